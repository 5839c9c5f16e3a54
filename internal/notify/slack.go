package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/johndauphine/ingest-sync/internal/config"
)

const footer = "ingest-sync"

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
	now        func() time.Time
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color      string       `json:"color,omitempty"`
	Title      string       `json:"title,omitempty"`
	Text       string       `json:"text,omitempty"`
	Fields     []SlackField `json:"fields,omitempty"`
	Footer     string       `json:"footer,omitempty"`
	FooterIcon string       `json:"footer_icon,omitempty"`
	Timestamp  int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// RunCompleted sends notification when a run caught every partition up.
// Successful runs are only announced when notify_on_success is set.
func (n *Notifier) RunCompleted(s RunSummary) error {
	if !n.IsEnabled() || !n.config.NotifyOnSuccess {
		return nil
	}

	headerText := fmt.Sprintf("Sync completed. %s rows fetched, %s inserted across %d partitions.",
		humanize.Comma(s.RowsFetched), humanize.Comma(s.RowsInserted), s.Partitions)

	msg := n.message(":white_check_mark:", headerText, SlackAttachment{
		Color:  "#36a64f", // green
		Fields: n.summaryFields(s),
	})
	return n.send(msg)
}

// RunPartial sends notification when a run stopped early or some partitions failed.
func (n *Notifier) RunPartial(s RunSummary) error {
	if !n.IsEnabled() {
		return nil
	}

	headerText := fmt.Sprintf("Sync partially completed. %d of %d partitions need another run.",
		s.Failed, s.Partitions)
	if s.Reason != "" {
		headerText += fmt.Sprintf(" Stopped by %s.", s.Reason)
	}

	fields := n.summaryFields(s)
	if summary := errorSummary(s.Errors); summary != "" {
		fields = append(fields, SlackField{Title: "Errors", Value: summary, Short: false})
	}

	msg := n.message(":warning:", headerText, SlackAttachment{
		Color:  "#ffc107", // yellow/orange
		Fields: fields,
	})
	return n.send(msg)
}

// RunFailed sends notification when a run ingested nothing.
func (n *Notifier) RunFailed(s RunSummary, err error) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = err.Error()
		if len(errMsg) > 500 {
			errMsg = errMsg[:500] + "..."
		}
	}

	msg := n.message(":x:", "", SlackAttachment{
		Color: "#dc3545", // red
		Title: "Sync Failed",
		Fields: []SlackField{
			{Title: "Run ID", Value: s.RunID, Short: true},
			{Title: "Duration", Value: formatDuration(s.Duration), Short: true},
			{Title: "Error", Value: errMsg, Short: false},
		},
	})
	return n.send(msg)
}

func (n *Notifier) message(icon, text string, att SlackAttachment) SlackMessage {
	att.Footer = footer
	att.Timestamp = n.now().Unix()
	return SlackMessage{
		Channel:     n.config.Channel,
		Username:    n.getUsername(),
		IconEmoji:   icon,
		Text:        text,
		Attachments: []SlackAttachment{att},
	}
}

func (n *Notifier) summaryFields(s RunSummary) []SlackField {
	fields := []SlackField{
		{Title: "Run ID", Value: s.RunID, Short: true},
		{Title: "Trigger", Value: s.Trigger, Short: true},
		{Title: "Started", Value: s.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
		{Title: "Duration", Value: formatDuration(s.Duration), Short: true},
		{Title: "Sources", Value: strings.Join(s.Sources, ", "), Short: true},
		{Title: "Rows Inserted", Value: humanize.Comma(s.RowsInserted), Short: true},
	}
	if s.Duplicates > 0 {
		fields = append(fields, SlackField{Title: "Duplicates", Value: humanize.Comma(s.Duplicates), Short: true})
	}
	if s.DryRun {
		fields = append(fields, SlackField{Title: "Mode", Value: "dry run", Short: true})
	}
	return fields
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return footer
}

// errorSummary lists up to three errors and counts the rest.
func errorSummary(errs []string) string {
	switch {
	case len(errs) == 0:
		return ""
	case len(errs) <= 3:
		return strings.Join(errs, "\n")
	default:
		return fmt.Sprintf("%s\n... and %d more", strings.Join(errs[:3], "\n"), len(errs)-3)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
