package model

import (
	"fmt"
	"strings"
)

// CommentKind is where a comment was written.
type CommentKind int

// Comment kinds.
const (
	KindIssue CommentKind = iota + 1
	KindPull
)

func (k CommentKind) String() string {
	switch k {
	case KindIssue:
		return "ISSUE"
	case KindPull:
		return "PULL"
	default:
		return "UNKNOWN"
	}
}

// CommentRole is how the author relates to the work item.
type CommentRole int

// Comment roles.
const (
	RoleSpecification CommentRole = iota + 1
	RoleAssignee
	RoleCollaborator
	RoleContributor
)

func (r CommentRole) String() string {
	switch r {
	case RoleSpecification:
		return "SPECIFICATION"
	case RoleAssignee:
		return "ASSIGNEE"
	case RoleCollaborator:
		return "COLLABORATOR"
	case RoleContributor:
		return "CONTRIBUTOR"
	default:
		return "UNKNOWN"
	}
}

// CommentType is a valid kind×role pair. The zero value is invalid; values
// are built with NewCommentType or taken from the predefined variables.
type CommentType struct {
	kind CommentKind
	role CommentRole
}

// Predefined comment types. A pull request has no specification.
var (
	IssueSpecification = CommentType{KindIssue, RoleSpecification}
	IssueAssignee      = CommentType{KindIssue, RoleAssignee}
	IssueCollaborator  = CommentType{KindIssue, RoleCollaborator}
	IssueContributor   = CommentType{KindIssue, RoleContributor}
	PullAssignee       = CommentType{KindPull, RoleAssignee}
	PullCollaborator   = CommentType{KindPull, RoleCollaborator}
	PullContributor    = CommentType{KindPull, RoleContributor}
)

// AllCommentTypes lists every valid combination.
var AllCommentTypes = []CommentType{
	IssueSpecification, IssueAssignee, IssueCollaborator, IssueContributor,
	PullAssignee, PullCollaborator, PullContributor,
}

// NewCommentType validates a kind×role combination.
func NewCommentType(kind CommentKind, role CommentRole) (CommentType, error) {
	t := CommentType{kind: kind, role: role}
	for _, valid := range AllCommentTypes {
		if valid == t {
			return t, nil
		}
	}
	return CommentType{}, fmt.Errorf("%w: %s_%s", ErrInvalidCommentType, kind, role)
}

// ParseCommentType reads names such as "ISSUE_SPECIFICATION".
func ParseCommentType(s string) (CommentType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for _, t := range AllCommentTypes {
		if t.String() == name {
			return t, nil
		}
	}
	return CommentType{}, fmt.Errorf("%w: %q", ErrInvalidCommentType, s)
}

// Kind returns the comment kind.
func (t CommentType) Kind() CommentKind { return t.kind }

// Role returns the comment role.
func (t CommentType) Role() CommentRole { return t.role }

// IsSpecification reports whether this is the issue body.
func (t CommentType) IsSpecification() bool { return t.role == RoleSpecification }

// Valid reports whether t is one of the predefined combinations.
func (t CommentType) Valid() bool { return t.kind != 0 && t.role != 0 }

func (t CommentType) String() string {
	return t.kind.String() + "_" + t.role.String()
}

// MarshalText implements encoding.TextMarshaler.
func (t CommentType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, ErrInvalidCommentType
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *CommentType) UnmarshalText(b []byte) error {
	parsed, err := ParseCommentType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseCommentRole reads role names such as "assignee".
func ParseCommentRole(s string) (CommentRole, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for r := RoleSpecification; r <= RoleContributor; r++ {
		if r.String() == name {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: role %q", ErrInvalidCommentType, s)
}
