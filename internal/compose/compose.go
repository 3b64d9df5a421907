// Package compose renders a model answer into the HTML reply body.
package compose

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"mailmind/internal/model"
)

// Link is one entry in the footer links row.
type Link struct {
	Text string
	URL  string
}

// DefaultLinks is the footer shown when no custom links are configured.
var DefaultLinks = []Link{
	{Text: "GitHub", URL: "https://github.com/KiSki-Dev"},
	{Text: "Dashboard", URL: "https://example.com/dashboard"},
	{Text: "Discord", URL: "https://discord.gg/cYqpx7dqsn"},
}

// Input is everything one rendered reply depends on.
type Input struct {
	AnswerMarkdown string
	Model          string
	Plan           model.Plan
	Cost           int64
	Remaining      int64

	// CorrelationID is printed at the bottom of the email so an
	// operator can tie a reply back to its inbound message.
	CorrelationID string
}

// Composer renders reply bodies. Rendering is deterministic and does no
// I/O; the two banner images are referenced by content-id and attached
// by the mail transport.
type Composer struct {
	md    goldmark.Markdown
	tmpl  *template.Template
	links []Link
}

// New creates a Composer with the default footer links.
func New() *Composer {
	return NewWithLinks(DefaultLinks)
}

// NewWithLinks creates a Composer with a custom footer.
func NewWithLinks(links []Link) *Composer {
	return &Composer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		),
		tmpl:  template.Must(template.New("reply").Parse(replyTemplate)),
		links: links,
	}
}

// Compose renders the full HTML document for one reply.
func (c *Composer) Compose(in Input) (string, error) {
	var body bytes.Buffer
	if err := c.md.Convert([]byte(in.AnswerMarkdown), &body); err != nil {
		return "", fmt.Errorf("rendering answer markdown: %w", err)
	}

	var out bytes.Buffer
	err := c.tmpl.Execute(&out, replyData{
		Title:         "AI Answer",
		Model:         in.Model,
		Plan:          string(in.Plan),
		Cost:          in.Cost,
		Remaining:     in.Remaining,
		Answer:        template.HTML(body.String()),
		CorrelationID: in.CorrelationID,
		Links:         c.links,
	})
	if err != nil {
		return "", fmt.Errorf("executing reply template: %w", err)
	}

	return out.String(), nil
}

type replyData struct {
	Title         string
	Model         string
	Plan          string
	Cost          int64
	Remaining     int64
	Answer        template.HTML
	CorrelationID string
	Links         []Link
}

const replyTemplate = `<!DOCTYPE html>
<html lang="de">
<head>
  <meta charset="UTF-8">
  <title>{{.Title}} - Email-AI</title>
  <style>
    body { margin:0; padding:0; background-color:#f0f9ff; color:#D4D4D4; font-family:'Segoe UI', Tahoma, sans-serif; }
    a { color:#8ED1FC; }
    .banner { text-align:center; }
    .banner img { width:100%; height:100%; max-height: calc(100vw - 50px); border-radius:3px; }
    h1 { font-size:32px; color:#74c7fb; text-align:center; margin:30px 0 10px; }
    .info-row { font-size:18px; text-align:center; margin:5px 0; }
    .info-row span { margin:0 20px; color:#46494a; }
    .body-container {
      background-color:#ebf7fe;
      margin:0 20px 15px 20px;
      padding:25px;
      border-radius:8px;
      box-shadow:0 3px 6px rgba(0,0,0,0.5);
      font-size:13px;
      line-height:1.6;
      color:#080808;
    }
    .message-id { font-size:12px; color:#777; text-align:left; margin:0 20px 20px 20px; }
    .links-row { text-align:center; margin-bottom:30px; }
  </style>
</head>
<body>

  <div class="banner" style="background:#b4e1fd;">
    <img src="cid:top_banner" alt="top banner"/>
  </div>

  <h1>{{.Title}}</h1>

  <div class="info-row">
    <span><strong>Model:</strong> {{.Model}}</span>
    <span><strong>Plan:</strong> {{.Plan}}</span>
  </div>

  <div class="info-row" style="margin-bottom:30px;">
    <span><strong>Cost of this Answer:</strong> {{.Cost}} Tokens</span>
    <span><strong>Remaining:</strong> {{.Remaining}} Tokens</span>
  </div>

  <div class="body-container">
    {{.Answer}}
  </div>

  <div class="message-id">
    Message-ID: {{.CorrelationID}}
  </div>

  <div class="links-row">
    {{range .Links}}<a href="{{.URL}}" style="margin:0 10px; text-decoration:none; color:#38b0fa; font-weight:bold;">{{.Text}}</a> {{end}}
  </div>

  <div class="banner" style="background:#b4e1fd;">
    <img src="cid:bottom_banner" alt="bottom banner"/>
  </div>

</body>
</html>
`
