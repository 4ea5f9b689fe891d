package builds

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/mail"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/forgehub/hub/internal/models"
	"github.com/forgehub/hub/internal/services"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotApplicable indicates the patchset is not wired to a buildable
// repository: no prefix, no matching repository, or no manifests. Distinct
// from an empty result, which means submission was attempted but produced
// no jobs.
var ErrNotApplicable = errors.New("builds: patchset not applicable")

// manifestSampleLimit bounds build fan-out per patchset.
const manifestSampleLimit = 4

// SubmitterConfig describes the dependencies of the patchset submitter.
type SubmitterConfig struct {
	Database     *gorm.DB
	Git          services.GitService
	Lists        services.ListsService
	Builds       services.BuildsService
	Sealer       *TokenSealer
	HubOrigin    string
	ListsOrigin  string
	BuildsOrigin string
	ListsDomain  string
	Logger       *zap.Logger
}

// Submitter turns a received patchset into build jobs with status
// indicators on the patchset.
type Submitter struct {
	db             *gorm.DB
	git            services.GitService
	lists          services.ListsService
	builds         services.BuildsService
	sealer         *TokenSealer
	hubOrigin      string
	listsOrigin    string
	buildsOrigin   string
	listsDomain    string
	logger         *zap.Logger
	dependsPattern *regexp.Regexp
}

// NewSubmitter constructs the submitter.
func NewSubmitter(cfg SubmitterConfig) (*Submitter, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("builds: database connection required")
	}
	if cfg.Git == nil || cfg.Lists == nil || cfg.Builds == nil {
		return nil, fmt.Errorf("builds: git, lists, and builds services required")
	}
	if cfg.Sealer == nil {
		return nil, fmt.Errorf("builds: token sealer required")
	}
	if cfg.HubOrigin == "" || cfg.ListsOrigin == "" || cfg.BuildsOrigin == "" {
		return nil, fmt.Errorf("builds: hub, lists, and builds origins required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pattern, err := regexp.Compile(
		`^` + regexp.QuoteMeta(strings.TrimSuffix(cfg.ListsOrigin, "/")) +
			`/~([a-z_][a-z0-9_-]+)/([\w.-]+)/patches/(\d+)$`)
	if err != nil {
		return nil, fmt.Errorf("builds: compile patchset pattern: %w", err)
	}
	return &Submitter{
		db:             cfg.Database,
		git:            cfg.Git,
		lists:          cfg.Lists,
		builds:         cfg.Builds,
		sealer:         cfg.Sealer,
		hubOrigin:      strings.TrimSuffix(cfg.HubOrigin, "/"),
		listsOrigin:    strings.TrimSuffix(cfg.ListsOrigin, "/"),
		buildsOrigin:   strings.TrimSuffix(cfg.BuildsOrigin, "/"),
		listsDomain:    cfg.ListsDomain,
		logger:         logger,
		dependsPattern: pattern,
	}, nil
}

// SubmitPatchset runs the full submission flow for one received patchset
// and returns the ids of the jobs it created. The acting user is the
// project owner; all upstream calls happen on their behalf.
func (s *Submitter) SubmitPatchset(ctx context.Context, mailingList *models.MailingList, actingUser *models.User, patchset *services.Patchset) ([]int, error) {
	if patchset.Prefix == "" {
		return nil, ErrNotApplicable
	}

	var repo models.SourceRepo
	err := s.db.WithContext(ctx).
		Preload("Owner").
		Where("project_id = ? AND lower(name) = ?", mailingList.ProjectID, strings.ToLower(patchset.Prefix)).
		First(&repo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotApplicable
	}
	if err != nil {
		return nil, err
	}
	if repo.RepoType != models.RepoTypeGit {
		return nil, ErrNotApplicable
	}

	manifests, err := s.git.Manifests(ctx, actingUser.Username, repo.Owner.CanonicalName(), repo.Name)
	if err != nil {
		return nil, err
	}
	if len(manifests) == 0 {
		return nil, ErrNotApplicable
	}
	keys := sampleKeys(manifests, manifestSampleLimit)

	submitterName, submitterAddr := patchsetSender(patchset)
	patchsetURL := fmt.Sprintf("%s/patches/%d", mailingList.URL(s.listsOrigin), patchset.ID)
	note := buildNote(patchset, patchsetURL, submitterName, submitterAddr)

	applyScript, err := s.applyScript(ctx, actingUser.Username, mailingList, patchset)
	if err != nil {
		return nil, err
	}

	jobIDs := make([]int, len(keys))
	failures := make([]error, len(keys))
	var wg sync.WaitGroup
	for index, key := range keys {
		wg.Add(1)
		go func(index int, key string) {
			defer wg.Done()
			jobIDs[index], failures[index] = s.submitManifest(ctx, manifestSubmission{
				actingUser:  actingUser,
				mailingList: mailingList,
				patchset:    patchset,
				repo:        &repo,
				key:         key,
				source:      manifests[key],
				applyScript: applyScript,
				patchsetURL: patchsetURL,
				note:        note,
			})
		}(index, key)
	}
	wg.Wait()

	submitted := make([]int, 0, len(keys))
	for _, id := range jobIDs {
		if id != 0 {
			submitted = append(submitted, id)
		}
	}
	if err := errors.Join(failures...); err != nil {
		return submitted, err
	}

	if len(submitted) > 0 {
		group := services.BuildGroup{
			JobIDs: submitted,
			Note:   note,
			Triggers: []services.Trigger{{
				Type:      "EMAIL",
				Condition: "ALWAYS",
				Email: &services.EmailTrigger{
					To:        (&mail.Address{Name: submitterName, Address: submitterAddr}).String(),
					Cc:        mailingList.PostingAddr(s.listsDomain),
					InReplyTo: "<" + patchset.Thread.Root.MessageID + ">",
				},
			}},
		}
		if err := s.builds.CreateGroup(ctx, actingUser.Username, group); err != nil {
			return submitted, err
		}
	}
	return submitted, nil
}

type manifestSubmission struct {
	actingUser  *models.User
	mailingList *models.MailingList
	patchset    *services.Patchset
	repo        *models.SourceRepo
	key         string
	source      string
	applyScript string
	patchsetURL string
	note        string
}

// submitManifest processes a single manifest. A returned job id of zero
// means no job was submitted; the error is non-nil only for failures that
// should surface to the webhook sender.
func (s *Submitter) submitManifest(ctx context.Context, sub manifestSubmission) (int, error) {
	username := sub.actingUser.Username

	manifest, err := ParseManifest(sub.source)
	if err != nil {
		s.logger.Info("rejecting unparseable manifest",
			zap.String("manifest", sub.key),
			zap.Int("patchset", sub.patchset.ID),
			zap.Error(err))
		_, toolErr := s.lists.CreateTool(ctx, username, sub.patchset.ID,
			services.ToolIconFailed, "Failed to submit build: error parsing YAML")
		return 0, toolErr
	}
	if !manifest.SubmissionEnabled() {
		return 0, nil
	}

	toolID, err := s.lists.CreateTool(ctx, username, sub.patchset.ID,
		services.ToolIconPending, fmt.Sprintf("build pending: %s", sub.key))
	if err != nil {
		return 0, err
	}

	manifest.PrependTask("_apply_patch", sub.applyScript)
	manifest.SetDefaultEnv("BUILD_SUBMITTER", "hub")
	manifest.SetDefaultEnv("BUILD_REASON", "patchset")
	manifest.SetDefaultEnv("PATCHSET_ID", sub.patchset.ID)
	manifest.SetDefaultEnv("PATCHSET_URL", sub.patchsetURL)

	token, err := s.sealer.Seal(TokenPayload{
		MailingListID: sub.mailingList.ID,
		PatchsetID:    sub.patchset.ID,
		ToolID:        toolID,
		Name:          sub.key,
		User:          sub.actingUser.CanonicalName(),
	})
	if err != nil {
		return 0, err
	}
	manifest.AppendWebhookTrigger(s.hubOrigin + "/webhooks/build-complete/" + token)

	encoded, err := manifest.Encode()
	if err != nil {
		return 0, err
	}

	jobID, err := s.builds.SubmitBuild(ctx, username, services.BuildSubmission{
		Manifest:   encoded,
		Note:       sub.note,
		Tags:       []string{sub.repo.Name, "patches", sub.key},
		Execute:    false,
		Visibility: string(sub.repo.Visibility),
	})
	if err != nil {
		s.logger.Error("build submission failed",
			zap.String("manifest", sub.key),
			zap.Int("patchset", sub.patchset.ID),
			zap.Error(err))
		return 0, s.lists.UpdateTool(ctx, username, toolID, services.ToolIconFailed,
			fmt.Sprintf("Failed to submit build: %s", err))
	}

	buildURL := fmt.Sprintf("%s/%s/job/%d", s.buildsOrigin, sub.actingUser.CanonicalName(), jobID)
	if err := s.lists.UpdateTool(ctx, username, toolID, services.ToolIconWaiting,
		fmt.Sprintf("[#%d](%s) running %s", jobID, buildURL, sub.key)); err != nil {
		return jobID, err
	}
	return jobID, nil
}

// applyScript builds the shell task that applies the patchset, preceded by
// any Depends-on patchsets named in the patch trailers.
func (s *Submitter) applyScript(ctx context.Context, actingUser string, mailingList *models.MailingList, patchset *services.Patchset) (string, error) {
	var script strings.Builder
	script.WriteString("echo \"Applying patch(es) from the mailing list\"\n")
	script.WriteString("git config --global user.name 'builds'\n")
	script.WriteString("git config --global user.email 'builds@" + s.listsDomain + "'\n")

	// Dependencies apply first so the primary patchset lands on top of
	// them. The same dependency named by several patches applies once.
	seen := make(map[string]bool)
	for _, patch := range patchset.Patches {
		for _, trailer := range patch.Trailers {
			if trailer.Name != "Depends-on" {
				continue
			}
			depURL := strings.TrimSpace(trailer.Value)
			match := s.dependsPattern.FindStringSubmatch(depURL)
			if match == nil || seen[depURL] {
				continue
			}
			seen[depURL] = true

			depID, err := strconv.Atoi(match[3])
			if err != nil {
				continue
			}
			dep, err := s.lists.GetPatchset(ctx, actingUser, depID)
			if err != nil {
				return "", err
			}
			script.WriteString("echo \"Applying\" " + shellQuote(dep.Subject) + "\n")
			script.WriteString("curl -sS " + shellQuote(depURL+"/mbox") + " >/tmp/patch\n")
			script.WriteString("git -C " + shellQuote(dep.Prefix) + " am -3 /tmp/patch\n")
		}
	}

	mbox := fmt.Sprintf("%s/patches/%d/mbox", mailingList.URL(s.listsOrigin), patchset.ID)
	script.WriteString("curl -sS " + shellQuote(mbox) + " >/tmp/patch\n")
	script.WriteString("git -C " + shellQuote(patchset.Prefix) + " am -3 /tmp/patch\n")
	return script.String(), nil
}

// patchsetSender returns the name and address the consolidated build
// notification goes to: the thread's reply-to when present, otherwise the
// patchset submitter.
func patchsetSender(patchset *services.Patchset) (string, string) {
	if replyTo := patchset.Thread.Root.ReplyTo; replyTo != "" {
		if address, err := mail.ParseAddress(replyTo); err == nil {
			return address.Name, address.Address
		}
	}
	return patchset.Submitter.Name, patchset.Submitter.Address
}

func buildNote(patchset *services.Patchset, patchsetURL, submitterName, submitterAddr string) string {
	version := ""
	if patchset.Version != 1 {
		version = fmt.Sprintf(" v%d", patchset.Version)
	}
	return fmt.Sprintf("[%s][0]%s from [%s][1]\n\n[0]: %s\n[1]: mailto:%s",
		patchset.Subject, version, submitterName, patchsetURL, submitterAddr)
}

// sampleKeys returns up to limit manifest names. Order is deterministic
// (sorted) below the limit; above it a random sample is taken.
func sampleKeys(manifests map[string]string, limit int) []string {
	keys := make([]string, 0, len(manifests))
	for key := range manifests {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) > limit {
		rand.Shuffle(len(keys), func(i, j int) {
			keys[i], keys[j] = keys[j], keys[i]
		})
		keys = keys[:limit]
		sort.Strings(keys)
	}
	return keys
}

// shellQuote wraps a string in single quotes for safe interpolation into
// the apply script.
func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
