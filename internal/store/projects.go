package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	perrors "github.com/p-blackswan/incept/internal/errors"
)

var slugRe = regexp.MustCompile(`[^a-z0-9-]+`)

// GenerateSlug converts a name into a URL-safe slug.
func GenerateSlug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "-")
	s = slugRe.ReplaceAllString(s, "")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if len(s) > 50 {
		s = strings.TrimRight(s[:50], "-")
	}
	return s
}

// CreateProjectInput holds the fields for a new project.
type CreateProjectInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	RepoURL     string `json:"repo_url"`
	Branch      string `json:"branch"`
	Token       string `json:"token"`
	LocalPath   string `json:"local_path"`
	Model       string `json:"model"`
	ServiceID   string `json:"service_id"`
	ServiceURL  string `json:"service_url"`
}

// UpdateProjectInput holds optional project updates. Nil fields are left alone.
type UpdateProjectInput struct {
	Description *string `json:"description"`
	RepoURL     *string `json:"repo_url"`
	Branch      *string `json:"branch"`
	Token       *string `json:"token"`
	LocalPath   *string `json:"local_path"`
	Model       *string `json:"model"`
	ServiceID   *string `json:"service_id"`
	ServiceURL  *string `json:"service_url"`
	Status      *string `json:"status"`
}

const projectColumns = `id, slug, name, description, repo_url, branch, token, local_path,
	model, service_id, service_url, status, created_at, updated_at`

// CreateProject creates a new project.
func (s *Store) CreateProject(ctx context.Context, in CreateProjectInput) (*Project, error) {
	slug := GenerateSlug(in.Name)
	if slug == "" {
		return nil, fmt.Errorf("%w: project name generates empty slug", perrors.ErrInvalidInput)
	}
	if in.RepoURL == "" && in.LocalPath == "" {
		return nil, fmt.Errorf("%w: project needs a repo_url or a local_path", perrors.ErrInvalidInput)
	}
	branch := in.Branch
	if branch == "" {
		branch = "main"
	}

	now := s.nowMs()
	p := &Project{
		ID:          uuid.New().String(),
		Slug:        slug,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		RepoURL:     in.RepoURL,
		Branch:      branch,
		Token:       in.Token,
		LocalPath:   in.LocalPath,
		Model:       in.Model,
		ServiceID:   in.ServiceID,
		ServiceURL:  in.ServiceURL,
		Status:      ProjectActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Slug, p.Name, p.Description, p.RepoURL, p.Branch,
		nullString(p.Token), nullString(p.LocalPath), nullString(p.Model),
		nullString(p.ServiceID), nullString(p.ServiceURL), p.Status, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: project slug %q already exists", perrors.ErrConflict, slug)
		}
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	s.logger.Info().Str("project_id", p.ID).Str("slug", p.Slug).Msg("project created")
	return p, nil
}

// GetProject looks a project up by id or slug.
func (s *Store) GetProject(ctx context.Context, ref string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ? OR slug = ?`, ref, ref)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s", perrors.ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// ListProjects returns projects, optionally filtered by status.
func (s *Store) ListProjects(ctx context.Context, status string) ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProject applies non-nil fields of in to the project.
func (s *Store) UpdateProject(ctx context.Context, id string, in UpdateProjectInput) (*Project, error) {
	var sets []string
	var args []any
	add := func(col string, v *string, nullable bool) {
		if v == nil {
			return
		}
		sets = append(sets, col+" = ?")
		if nullable {
			args = append(args, nullString(*v))
		} else {
			args = append(args, *v)
		}
	}
	if in.Status != nil && *in.Status != ProjectActive && *in.Status != ProjectArchived {
		return nil, fmt.Errorf("%w: unknown project status %q", perrors.ErrInvalidInput, *in.Status)
	}
	if in.Branch != nil && strings.TrimSpace(*in.Branch) == "" {
		return nil, fmt.Errorf("%w: branch cannot be empty", perrors.ErrInvalidInput)
	}
	add("description", in.Description, false)
	add("repo_url", in.RepoURL, false)
	add("branch", in.Branch, false)
	add("token", in.Token, true)
	add("local_path", in.LocalPath, true)
	add("model", in.Model, true)
	add("service_id", in.ServiceID, true)
	add("service_url", in.ServiceURL, true)
	add("status", in.Status, false)

	if len(sets) > 0 {
		sets = append(sets, "updated_at = ?")
		args = append(args, s.nowMs(), id)

		s.mu.Lock()
		res, err := s.db.ExecContext(ctx,
			`UPDATE projects SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		s.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to update project: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: project %s", perrors.ErrNotFound, id)
		}
	}
	return s.GetProject(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var token, localPath, model, serviceID, serviceURL sql.NullString
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.Description, &p.RepoURL, &p.Branch,
		&token, &localPath, &model, &serviceID, &serviceURL, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Token = token.String
	p.LocalPath = localPath.String
	p.Model = model.String
	p.ServiceID = serviceID.String
	p.ServiceURL = serviceURL.String
	return &p, nil
}
