package editor

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"sync"
	"text/template"

	log "github.com/sirupsen/logrus"

	"kuva-api/domain"
	"kuva-api/overlay"
	"kuva-api/query"
)

const (
	msgUserNotFound = "No user with this email address found!"
	msgTeamAdded    = "Added new team member to project!"
	msgTeamFailed   = "Failed to add team member!"
	msgInviteSent   = "Invitation sent!"
	msgInviteFailed = "Failed to send invitation!"
)

// Directory is the subset of the remote store used by the team editor.
type Directory interface {
	FindUsersByEmail(ctx context.Context, email string) ([]domain.User, error)
	AddCollaborators(ctx context.Context, projectID string, add []domain.Collaborator) error
	EnqueueMail(ctx context.Context, doc domain.MailDocument) error
}

// ProjectKey is the query key of a project.
func ProjectKey(id string) query.Key {
	return query.Key{"projects", id}
}

var (
	inviteSubject = template.Must(template.New("subject").Parse(
		`{{.Inviter}} invited you to use kuva!`))
	inviteText = template.Must(template.New("text").Parse(`
Hey there! Your coworker {{.Inviter}} just sent you an invite to join kuva!
Follow this link to sign up: {{.SignupURL}}
`))
	inviteHTML = htmltemplate.Must(htmltemplate.New("html").Parse(`
<h1>Hey there!</h1>
<br>
<p>Your coworker {{.Inviter}} just sent you an invite to join <b>kuva</b>!</p>
Follow this <a href="{{.SignupURL}}">link</a> to sign up!
`))
)

type inviteData struct {
	Inviter   string
	SignupURL string
}

// BuildInvitation renders the invitation mail for email.
func BuildInvitation(email, inviter, signupURL string) (domain.MailDocument, error) {
	data := inviteData{Inviter: inviter, SignupURL: signupURL}
	var subject, text, html bytes.Buffer
	if err := inviteSubject.Execute(&subject, data); err != nil {
		return domain.MailDocument{}, fmt.Errorf("execute subject template: %w", err)
	}
	if err := inviteText.Execute(&text, data); err != nil {
		return domain.MailDocument{}, fmt.Errorf("execute text template: %w", err)
	}
	if err := inviteHTML.Execute(&html, data); err != nil {
		return domain.MailDocument{}, fmt.Errorf("execute HTML template: %w", err)
	}
	return domain.MailDocument{
		To: []string{email},
		Message: domain.MailMessage{
			Subject: subject.String(),
			Text:    text.String(),
			HTML:    html.String(),
		},
	}, nil
}

// TeamEditorConfig carries the collaborators of a team editor.
type TeamEditorConfig struct {
	ProjectID string
	Inviter   Author
	SignupURL string
	Client    *query.Client
	Store     Directory
	Overlays  Overlays
	Notifier  Notifier
	Logger    *log.Entry
}

// TeamEditor backs the new-team-member modal of a project.
type TeamEditor struct {
	cfg       TeamEditorConfig
	overlayID string
	logger    *log.Entry

	mu         sync.Mutex
	email      string
	queryError string
	candidates []domain.User
}

// NewTeamEditor creates an empty form.
func NewTeamEditor(cfg TeamEditorConfig) *TeamEditor {
	return &TeamEditor{
		cfg:       cfg,
		overlayID: overlay.ID(overlay.KindNewTeamMember, cfg.ProjectID),
		logger:    cfg.Logger.WithField("project_id", cfg.ProjectID),
	}
}

// Search looks up users by email and adds the matches to the pipeline. When
// nobody matches, the form shows an error with the invitation fallback and
// domain.ErrUserNotFound is returned.
func (t *TeamEditor) Search(ctx context.Context, email string) ([]domain.User, error) {
	email = strings.TrimSpace(email)
	t.mu.Lock()
	t.email = email
	t.mu.Unlock()

	users, err := t.cfg.Store.FindUsersByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(users) == 0 {
		t.queryError = msgUserNotFound
		return nil, domain.ErrUserNotFound
	}
	t.queryError = ""
	for _, u := range users {
		if !containsUser(t.candidates, u.ID) {
			t.candidates = append(t.candidates, u)
		}
	}
	return users, nil
}

// RemoveCandidate drops a user from the pipeline.
func (t *TeamEditor) RemoveCandidate(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, u := range t.candidates {
		if u.ID == userID {
			t.candidates = append(t.candidates[:i:i], t.candidates[i+1:]...)
			return true
		}
	}
	return false
}

// Invite queues an invitation mail to the last searched address and resets
// the search form.
func (t *TeamEditor) Invite(ctx context.Context) error {
	t.mu.Lock()
	email := t.email
	t.mu.Unlock()
	if email == "" {
		return fmt.Errorf("invite: %w", domain.ErrUserNotFound)
	}
	doc, err := BuildInvitation(email, t.cfg.Inviter.Name, t.cfg.SignupURL)
	if err != nil {
		return err
	}
	if err := t.cfg.Store.EnqueueMail(ctx, doc); err != nil {
		t.cfg.Notifier.Error(msgInviteFailed, err)
		return err
	}
	t.mu.Lock()
	t.email = ""
	t.queryError = ""
	t.mu.Unlock()
	t.logger.WithField("inviter", t.cfg.Inviter.ID).Info("invitation queued")
	t.cfg.Notifier.Success(msgInviteSent)
	return nil
}

// Submit adds the pipeline to the project's collaborators with the default
// role, refreshes the project and closes the modal.
func (t *TeamEditor) Submit(ctx context.Context) error {
	t.mu.Lock()
	add := make([]domain.Collaborator, 0, len(t.candidates))
	for _, u := range t.candidates {
		add = append(add, domain.Collaborator{Role: domain.DefaultCollaboratorRole, UserID: u.ID})
	}
	t.mu.Unlock()
	if len(add) == 0 {
		return ErrEmptyPipeline
	}
	// Any signed-in user may add collaborators; project ownership is not checked.
	if err := t.cfg.Store.AddCollaborators(ctx, t.cfg.ProjectID, add); err != nil {
		t.cfg.Notifier.Error(msgTeamFailed, err)
		return err
	}
	t.cfg.Notifier.Success(msgTeamAdded)
	if err := t.cfg.Client.Invalidate(ctx, ProjectKey(t.cfg.ProjectID)); err != nil {
		t.logger.WithError(err).Warn("refresh project after team change")
	}
	t.cfg.Overlays.Close(t.overlayID)
	t.mu.Lock()
	t.candidates = nil
	t.mu.Unlock()
	return nil
}

// TeamView is the rendered form.
type TeamView struct {
	ProjectID  string        `json:"projectId"`
	Email      string        `json:"email"`
	QueryError string        `json:"queryError,omitempty"`
	CanInvite  bool          `json:"canInvite"`
	Candidates []domain.User `json:"candidates"`
	CanSubmit  bool          `json:"canSubmit"`
}

// View renders the form.
func (t *TeamEditor) View() TeamView {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TeamView{
		ProjectID:  t.cfg.ProjectID,
		Email:      t.email,
		QueryError: t.queryError,
		CanInvite:  t.queryError != "",
		Candidates: append([]domain.User{}, t.candidates...),
		CanSubmit:  len(t.candidates) > 0,
	}
}

func containsUser(users []domain.User, id string) bool {
	for _, u := range users {
		if u.ID == id {
			return true
		}
	}
	return false
}
