package domain

// Project groups tasks and the team working on them.
type Project struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Owner         string         `json:"owner"`
	Collaborators []Collaborator `json:"collaborators"`
}

// Collaborator references a user invited to a project.
type Collaborator struct {
	Role   string `json:"role"`
	UserID string `json:"userId"`
}

// DefaultCollaboratorRole is assigned to newly added team members.
const DefaultCollaboratorRole = "None"

// UnionCollaborators appends the entries of add whose user is not yet part of
// existing, keeping the order of both.
func UnionCollaborators(existing, add []Collaborator) []Collaborator {
	out := append([]Collaborator(nil), existing...)
	seen := make(map[string]struct{}, len(out))
	for _, c := range out {
		seen[c.UserID] = struct{}{}
	}
	for _, c := range add {
		if _, ok := seen[c.UserID]; ok {
			continue
		}
		seen[c.UserID] = struct{}{}
		out = append(out, c)
	}
	return out
}

// User is a registered account.
type User struct {
	ID          string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// MailDocument is written to the mail queue and picked up by the external
// mail dispatcher.
type MailDocument struct {
	To      []string    `json:"to"`
	Message MailMessage `json:"message"`
}

// MailMessage is the content of a queued mail.
type MailMessage struct {
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
}
