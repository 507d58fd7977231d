package artifact

import (
	"errors"
	"regexp"
	"strings"

	"playful-backend/internal/entity"
)

// The same charset the front door enforces. The resolver re-checks it:
// a name that slipped past creation validation must still never become a
// path outside the artifact namespace.
var safeNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var ErrUnsafeName = errors.New("artifact: unsafe game name")

// Resolver computes the playable URL for a completed job from a template
// with {owner}, {repo}, {game_name} and {job_id} placeholders. The default
// template points at GitHub Pages, where the build workflow publishes.
type Resolver struct {
	template string
	owner    string
	repo     string
}

func NewResolver(template, owner, repo string) *Resolver {
	return &Resolver{template: template, owner: owner, repo: repo}
}

func (r *Resolver) Resolve(job *entity.Job) (string, error) {
	if !safeNameRe.MatchString(job.Name) {
		return "", ErrUnsafeName
	}

	replacer := strings.NewReplacer(
		"{owner}", r.owner,
		"{repo}", r.repo,
		"{game_name}", job.Name,
		"{job_id}", job.ID.String(),
	)
	return replacer.Replace(r.template), nil
}
