package feed

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestJSONLSource(t *testing.T) {
	input := strings.Join([]string{
		`{"frame":1,"width":640,"height":480,"detections":[{"label":"laptop","confidence":0.9,"box":[10,10,50,50]}]}`,
		``,
		`not json`,
		`{"frame":3,"detections":[],"error":"camera read failed"}`,
		`{"frame":4,"detections":[{"label":"cup","box":{"x1":1,"y1":2,"x2":3,"y2":4}}]}`,
	}, "\n")

	src := NewJSONLSource(strings.NewReader(input))
	defer src.Close()

	ctx := context.Background()

	f, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if f.Number != 1 || f.Width != 640 || len(f.Detections) != 1 || f.Failed() {
		t.Errorf("frame 1 = %+v", f)
	}
	if f.Detections[0].Box.X2 != 50 {
		t.Errorf("box = %+v", f.Detections[0].Box)
	}

	f, err = src.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if f.Err == nil || !f.Failed() {
		t.Errorf("malformed line decoded as %+v", f)
	}

	f, err = src.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if f.Error != "camera read failed" || !f.Failed() {
		t.Errorf("detector error frame = %+v", f)
	}

	f, err = src.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if f.Number != 4 || f.Detections[0].Box.Y2 != 4 {
		t.Errorf("frame 4 = %+v", f)
	}

	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Next() at end error = %v, want io.EOF", err)
	}
}

func TestJSONLSource_Cancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	src := NewJSONLSource(pr)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := src.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next() error = %v, want deadline exceeded", err)
	}
}

func TestJSONLSource_OversizedLine(t *testing.T) {
	huge := `{"frame":1,"detections":[],"pad":"` + strings.Repeat("x", maxLineSize) + `"}`
	input := huge + "\n" + `{"frame":2,"detections":[{"label":"laptop","box":[1,1,3,3]}]}` + "\n"

	src := NewJSONLSource(strings.NewReader(input))
	defer src.Close()

	ctx := context.Background()

	f, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v, want oversized line reported as a failed frame", err)
	}
	if !f.Failed() || len(f.Detections) != 0 {
		t.Errorf("oversized frame = %+v, want failed with no detections", f)
	}

	f, err = src.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if f.Number != 2 || len(f.Detections) != 1 || f.Failed() {
		t.Errorf("frame after oversized line = %+v", f)
	}

	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Next() at end error = %v, want io.EOF", err)
	}
}
