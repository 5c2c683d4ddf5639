package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	htmltemplate "html/template"
	"math"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"procastinot-backend/core/challenge"
	"procastinot-backend/core/notification"
)

//go:embed templates/*.html
var templateFS embed.FS

// View is the flat model every template renders from. It carries no behaviour.
type View struct {
	Brand   string
	Title   string
	Tagline string

	ChallengeID     string
	Ref             string
	Task            string
	TaskShort       string
	Stake           string
	DurationMinutes int
	Deadline        string
	HoursRemaining  int
	CreatorEmail    string
	ReviewerEmail   string

	ProofURL         string
	ProofDescription string
	ProofSubmittedAt string
	Approved         bool
	ReviewComment    string

	Link string
}

const (
	defaultBrand  = "ProcastiNot"
	taskShortLen  = 50
	displayLayout = "January 2, 2006 at 15:04 MST"
)

// NewView flattens c into a View as seen at now.
func NewView(c challenge.Challenge, now time.Time, frontendURL, brand string) View {
	if brand == "" {
		brand = defaultBrand
	}
	v := View{
		Brand:            brand,
		ChallengeID:      c.ID,
		Ref:              reference(c),
		Task:             c.Task,
		TaskShort:        shorten(c.Task, taskShortLen),
		Stake:            c.StakeAmount.String(),
		DurationMinutes:  c.DurationMinutes,
		Deadline:         formatTime(c.DeadlineAt),
		HoursRemaining:   hoursUntil(c.DeadlineAt, now),
		CreatorEmail:     c.Creator.Email,
		ReviewerEmail:    c.Reviewer.Email,
		ProofURL:         c.ProofEvidenceURL,
		ProofDescription: c.ProofDescription,
		Approved:         c.ProofApprovedAt != nil,
		ReviewComment:    c.ReviewComment,
		Link:             strings.TrimRight(frontendURL, "/"),
	}
	if c.ProofSubmittedAt != nil {
		v.ProofSubmittedAt = formatTime(*c.ProofSubmittedAt)
	}
	return v
}

func reference(c challenge.Challenge) string {
	if c.ExternalChallengeID != nil {
		return "#" + strconv.FormatInt(*c.ExternalChallengeID, 10)
	}
	if len(c.ID) > 8 {
		return c.ID[:8]
	}
	return c.ID
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func formatTime(t time.Time) string {
	return t.UTC().Format(displayLayout)
}

// hoursUntil rounds up so a reminder 90 minutes out reads "2 hours remaining".
func hoursUntil(deadline, now time.Time) int {
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours()))
}

type kindMeta struct {
	title   string
	tagline string
	subject string
	// linkPath is appended to the frontend URL; empty means the kind carries no frontend link.
	linkPath string
}

var kindMetas = map[notification.Kind]kindMeta{
	notification.KindACPAssignment: {
		title:   "New Challenge Assignment",
		tagline: "You've been selected as an Accountability Partner!",
		subject: "New Challenge Assignment - {{.TaskShort}}",
	},
	notification.KindProofReminder: {
		title:   "Proof Submission Reminder",
		tagline: "Don't forget to submit your proof!",
		subject: "Proof Submission Reminder - {{.TaskShort}}",
	},
	notification.KindRewardAvailable: {
		title:    "Rewards Available",
		tagline:  "A challenge you partnered on has failed.",
		subject:  "Rewards Available - Challenge Failed",
		linkPath: "/acp/rewards",
	},
	notification.KindOverdueReviewAlert: {
		title:    "Overdue Proof Review",
		tagline:  "Submitted proof is waiting for your decision.",
		subject:  "URGENT: Overdue Proof Review",
		linkPath: "/acp/review",
	},
	notification.KindProofSubmitted: {
		title:   "Proof Submitted",
		tagline: "Your review is required.",
		subject: "Proof Submitted - Challenge {{.Ref}}",
	},
	notification.KindReviewDecision: {
		title:   "Review Decision",
		tagline: "Your accountability partner has reviewed your proof.",
		subject: "Challenge {{if .Approved}}Approved{{else}}Rejected{{end}}",
	},
}

// Rendered is a message body ready for a Transport.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Templates holds the parsed subject and body templates for every kind.
type Templates struct {
	bodies   map[notification.Kind]*htmltemplate.Template
	subjects map[notification.Kind]*template.Template
}

// LoadTemplates parses the embedded templates. It fails if any kind lacks a body.
func LoadTemplates() (*Templates, error) {
	t := &Templates{
		bodies:   make(map[notification.Kind]*htmltemplate.Template, len(kindMetas)),
		subjects: make(map[notification.Kind]*template.Template, len(kindMetas)),
	}
	for kind, meta := range kindMetas {
		body, err := htmltemplate.ParseFS(templateFS, "templates/layout.html", "templates/"+string(kind)+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s body: %w", kind, err)
		}
		subject, err := template.New(string(kind)).Option("missingkey=error").Parse(meta.subject)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s subject: %w", kind, err)
		}
		t.bodies[kind] = body
		t.subjects[kind] = subject
	}
	return t, nil
}

// Render fills the kind's templates with v.
func (t *Templates) Render(kind notification.Kind, v View) (Rendered, error) {
	meta, ok := kindMetas[kind]
	if !ok {
		return Rendered{}, fmt.Errorf("unknown notification kind %q", kind)
	}
	v.Title = meta.title
	v.Tagline = meta.tagline
	if meta.linkPath != "" && v.Link != "" {
		v.Link += meta.linkPath
	} else {
		v.Link = ""
	}

	var subject bytes.Buffer
	if err := t.subjects[kind].Execute(&subject, v); err != nil {
		return Rendered{}, fmt.Errorf("failed to render %s subject: %w", kind, err)
	}
	var body bytes.Buffer
	if err := t.bodies[kind].ExecuteTemplate(&body, "layout", v); err != nil {
		return Rendered{}, fmt.Errorf("failed to render %s body: %w", kind, err)
	}
	return Rendered{
		Subject: strings.TrimSpace(subject.String()),
		HTML:    body.String(),
		Text:    plainText(body.String()),
	}, nil
}

var (
	styleBlock = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	htmlTag    = regexp.MustCompile(`<[^>]*>`)
	whitespace = regexp.MustCompile(`\s+`)
)

// plainText derives the text/plain alternative from a rendered HTML body.
func plainText(body string) string {
	s := styleBlock.ReplaceAllString(body, " ")
	s = htmlTag.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
