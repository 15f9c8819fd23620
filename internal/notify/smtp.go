package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
)

// Config configures the SMTP sender.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	SSL      bool
	Subject  string
	Body     string
}

// SMTPSender delivers alert emails through an SMTP relay.
type SMTPSender struct {
	cfg    Config
	opts   []mail.Option
	logger zerolog.Logger
}

// NewSMTPSender validates cfg and prepares the client options.
func NewSMTPSender(cfg Config, logger zerolog.Logger) (*SMTPSender, error) {
	var errs []error
	if cfg.Host == "" {
		errs = append(errs, errors.New("smtp host is required"))
	}
	if cfg.From == "" {
		errs = append(errs, errors.New("smtp from address is required"))
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid smtp port: %d", cfg.Port))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	opts := []mail.Option{mail.WithPort(cfg.Port)}
	if cfg.SSL {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	return &SMTPSender{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With().Str("component", "notify").Logger(),
	}, nil
}

// Send delivers one alert message to recipient. The context bounds the whole
// dial and send exchange.
func (s *SMTPSender) Send(ctx context.Context, recipient string) error {
	msg := mail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(recipient); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	msg.Subject(s.cfg.Subject)
	msg.SetBodyString(mail.TypeTextPlain, s.cfg.Body)

	client, err := mail.NewClient(s.cfg.Host, s.opts...)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}

	s.logger.Debug().Str("recipient", recipient).Msg("Alert email delivered")
	return nil
}
