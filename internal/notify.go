package homehub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mailgun "github.com/mailgun/mailgun-go/v3"
)

// Notifier delivers a notification message somewhere a human sees it.
type Notifier interface {
	Notify(subject, message string) error
}

// MailgunNotifier sends notifications as email through Mailgun.
type MailgunNotifier struct {
	domain    string
	apiKey    string
	sender    string
	recipient string
}

func NewMailgunNotifier(domain, apiKey, sender, recipient string) *MailgunNotifier {
	return &MailgunNotifier{domain: domain, apiKey: apiKey, sender: sender, recipient: recipient}
}

func (n *MailgunNotifier) Notify(subject, message string) error {
	mg := mailgun.NewMailgun(n.domain, n.apiKey)
	mail := mg.NewMessage(n.sender, subject, message, n.recipient)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, id, err := mg.Send(ctx, mail)
	if err != nil {
		return err
	}
	slog.Debug("Sent notification", "id", id, "subject", subject)
	return nil
}

// NotifyController turns homehub/notify events into outbound
// notifications. In dry-run, or when Mailgun is not configured, the
// message is only logged.
type NotifyController struct {
	masterController *MasterController
	notifier         Notifier
	mu               sync.Mutex
	initialized      bool
	Name             string
}

func (c *NotifyController) Lock() {
	c.mu.Lock()
}

func (c *NotifyController) Unlock() {
	c.mu.Unlock()
}

func (c *NotifyController) IsInitialized() bool {
	return c.initialized
}

func (c *NotifyController) Initialize(masterController *MasterController) []MQTTPublish {
	c.masterController = masterController
	c.Name = "notify"

	config := masterController.config
	if c.notifier == nil && config.MailgunDomain != "" && config.MailgunAPIKeyFile != "" {
		apiKey, err := fileToString(config.MailgunAPIKeyFile)
		if err != nil {
			slog.Error("Error reading Mailgun API key",
				"mailgunAPIKeyFile", config.MailgunAPIKeyFile, "error", err)
		} else {
			c.notifier = NewMailgunNotifier(config.MailgunDomain, apiKey,
				config.MailgunSender, config.MailgunRecipient)
		}
	}

	c.initialized = true
	return nil
}

func (c *NotifyController) ProcessEvent(ev MQTTEvent) []MQTTPublish {
	if ev.Topic != "homehub/notify" {
		return nil
	}
	message := string(ev.Payload.([]byte))

	if c.masterController.config.DryRun || c.notifier == nil {
		slog.Info("Notification (not sent)", "message", message,
			"dryRun", c.masterController.config.DryRun)
		return nil
	}
	if err := c.notifier.Notify("homehub", message); err != nil {
		slog.Error("Could not send notification", "error", err)
	}
	return nil
}

func (c *NotifyController) DebugState() ControllerDebugState {
	return ControllerDebugState{
		Name:        c.Name,
		Initialized: c.initialized,
	}
}
