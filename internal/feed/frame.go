package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goodtune/stuffwatch/internal/presence"
)

// Frame is one detector result.
type Frame struct {
	Number     int                  `json:"frame"`
	Width      int                  `json:"width"`
	Height     int                  `json:"height"`
	Detections []presence.Detection `json:"detections"`
	Error      string               `json:"error,omitempty"`

	// Err is set when the payload could not be decoded.
	Err error `json:"-"`
}

// Failed reports whether the frame carries no usable detections because the
// detector reported an error or the payload was malformed.
func (f Frame) Failed() bool {
	return f.Err != nil || f.Error != ""
}

// Source yields detector frames in order. Next returns io.EOF when the stream
// ends and ctx.Err() when cancelled. A malformed frame is returned with Err
// set rather than as an error.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Decode parses one frame payload. Malformed input yields a frame with Err set.
func Decode(data []byte) Frame {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{Err: fmt.Errorf("decode frame: %w", err)}
	}
	return f
}
