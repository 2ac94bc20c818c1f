// Package email is the SMTP adapter for the email channel.
package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"comms-pipeline/internal/telephony"

	mail "github.com/wneessen/go-mail"
)

const providerSMTP = "smtp"

type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	Timeout  time.Duration
}

// Sender submits one message per SMTP session. The generated Message-ID is
// the provider id recorded on the ledger row.
type Sender struct {
	host     string
	from     string
	fromName string
	domain   string
	opts     []mail.Option
}

func NewSender(o Options) (*Sender, error) {
	if o.Host == "" || o.From == "" {
		return nil, errors.New("email: host and from are required")
	}
	at := strings.LastIndex(o.From, "@")
	if at < 0 || at == len(o.From)-1 {
		return nil, fmt.Errorf("email: invalid from address %q", o.From)
	}
	port := o.Port
	if port == 0 {
		port = 587
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(timeout),
	}
	if o.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(o.Username),
			mail.WithPassword(o.Password),
		)
	}

	return &Sender{
		host:     o.Host,
		from:     o.From,
		fromName: o.FromName,
		domain:   o.From[at+1:],
		opts:     opts,
	}, nil
}

// Build assembles the MIME message and returns it with its Message-ID.
func (s *Sender) Build(in telephony.OutboundMessage) (*mail.Msg, string, error) {
	if in.Reference == "" {
		return nil, "", telephony.NewRejected(providerSMTP, "", "message reference is required")
	}

	msg := mail.NewMsg()
	from := s.from
	if in.From != "" {
		from = in.From
	}
	if s.fromName != "" {
		if err := msg.FromFormat(s.fromName, from); err != nil {
			return nil, "", telephony.NewRejected(providerSMTP, "", fmt.Sprintf("invalid from address: %v", err))
		}
	} else if err := msg.From(from); err != nil {
		return nil, "", telephony.NewRejected(providerSMTP, "", fmt.Sprintf("invalid from address: %v", err))
	}
	if err := msg.To(in.To); err != nil {
		return nil, "", telephony.NewRejected(providerSMTP, "", fmt.Sprintf("invalid to address: %v", err))
	}
	msg.Subject(in.Subject)
	msg.SetBodyString(mail.TypeTextPlain, in.Body)

	id := in.Reference + "@" + s.domain
	msg.SetMessageIDWithValue(id)
	return msg, id, nil
}

func (s *Sender) Send(ctx context.Context, in telephony.OutboundMessage) (telephony.MessageAccepted, error) {
	msg, id, err := s.Build(in)
	if err != nil {
		return telephony.MessageAccepted{}, err
	}

	client, err := mail.NewClient(s.host, s.opts...)
	if err != nil {
		return telephony.MessageAccepted{}, telephony.NewTransient(providerSMTP, "smtp client setup failed", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return telephony.MessageAccepted{}, classify(err)
	}
	return telephony.MessageAccepted{ProviderMessageID: id, Status: "sent"}, nil
}

// classify maps SMTP failures: permanent 5xx replies reject the message,
// everything else (dial errors, 4xx, timeouts) may succeed on retry.
func classify(err error) error {
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) && !sendErr.IsTemp() {
		var netErr net.Error
		if !errors.As(err, &netErr) {
			return telephony.NewRejected(providerSMTP, "", err.Error())
		}
	}
	return telephony.NewTransient(providerSMTP, err.Error(), err)
}
