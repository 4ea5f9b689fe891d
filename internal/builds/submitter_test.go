package builds

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forgehub/hub/internal/database"
	"github.com/forgehub/hub/internal/models"
	"github.com/forgehub/hub/internal/services"
	"gopkg.in/yaml.v3"
)

type fakeGit struct {
	manifests map[string]string
}

func (f *fakeGit) Manifests(ctx context.Context, actingUser, owner, repoName string) (map[string]string, error) {
	return f.manifests, nil
}

func (f *fakeGit) Log(ctx context.Context, actingUser, owner, repoName, oldSHA, newSHA string) ([]services.Commit, error) {
	return nil, nil
}

type toolRecord struct {
	ID      int
	Icon    string
	Details string
}

type fakeLists struct {
	mu        sync.Mutex
	nextID    int
	tools     map[int]*toolRecord
	patchsets map[int]*services.PatchsetSummary
}

func newFakeLists() *fakeLists {
	return &fakeLists{tools: make(map[int]*toolRecord), patchsets: make(map[int]*services.PatchsetSummary)}
}

func (f *fakeLists) CreateTool(ctx context.Context, actingUser string, patchsetID int, icon, details string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.tools[f.nextID] = &toolRecord{ID: f.nextID, Icon: icon, Details: details}
	return f.nextID, nil
}

func (f *fakeLists) UpdateTool(ctx context.Context, actingUser string, toolID int, icon, details string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tool, ok := f.tools[toolID]
	if !ok {
		return fmt.Errorf("no such tool %d", toolID)
	}
	tool.Icon = icon
	tool.Details = details
	return nil
}

func (f *fakeLists) GetPatchset(ctx context.Context, actingUser string, patchsetID int) (*services.PatchsetSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	summary, ok := f.patchsets[patchsetID]
	if !ok {
		return nil, fmt.Errorf("no such patchset %d", patchsetID)
	}
	return summary, nil
}

func (f *fakeLists) toolsByIcon(icon string) []*toolRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []*toolRecord
	for _, tool := range f.tools {
		if tool.Icon == icon {
			matched = append(matched, tool)
		}
	}
	return matched
}

type fakeBuilds struct {
	mu          sync.Mutex
	nextJobID   int
	submissions []services.BuildSubmission
	groups      []services.BuildGroup
	failFor     string
}

func (f *fakeBuilds) SubmitBuild(ctx context.Context, actingUser string, submission services.BuildSubmission) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor != "" && len(submission.Tags) == 3 && submission.Tags[2] == f.failFor {
		return 0, fmt.Errorf("image not found")
	}
	f.nextJobID++
	f.submissions = append(f.submissions, submission)
	return f.nextJobID, nil
}

func (f *fakeBuilds) CreateGroup(ctx context.Context, actingUser string, group services.BuildGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, group)
	return nil
}

type submitterFixture struct {
	submitter   *Submitter
	git         *fakeGit
	lists       *fakeLists
	builds      *fakeBuilds
	mailingList *models.MailingList
	owner       *models.User
}

func newSubmitterFixture(t *testing.T, manifests map[string]string) *submitterFixture {
	t.Helper()
	db, err := database.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("unexpected database error: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	owner := &models.User{Created: now, Username: "alice"}
	if err := db.Create(owner).Error; err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}
	project := &models.Project{Created: now, Updated: now, OwnerID: owner.ID, Name: "wlroots", Visibility: models.VisibilityPublic}
	if err := db.Create(project).Error; err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}
	repo := &models.SourceRepo{
		RemoteID: 11, Created: now, Updated: now,
		ProjectID: project.ID, OwnerID: owner.ID,
		Name: "wlroots", RepoType: models.RepoTypeGit,
		Visibility: models.VisibilityPublic,
	}
	if err := db.Create(repo).Error; err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}
	mailingList := &models.MailingList{
		RemoteID: 21, Created: now, Updated: now,
		ProjectID: project.ID, OwnerID: owner.ID,
		Name: "wlroots-devel", Visibility: models.VisibilityPublic,
	}
	if err := db.Create(mailingList).Error; err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}
	mailingList.Owner = *owner

	git := &fakeGit{manifests: manifests}
	lists := newFakeLists()
	buildsFake := &fakeBuilds{}
	sealer, err := NewTokenSealer(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("unexpected sealer error: %v", err)
	}

	submitter, err := NewSubmitter(SubmitterConfig{
		Database:     db,
		Git:          git,
		Lists:        lists,
		Builds:       buildsFake,
		Sealer:       sealer,
		HubOrigin:    "https://hub.example.org",
		ListsOrigin:  "https://lists.example.org",
		BuildsOrigin: "https://builds.example.org",
		ListsDomain:  "lists.example.org",
	})
	if err != nil {
		t.Fatalf("unexpected submitter error: %v", err)
	}
	return &submitterFixture{
		submitter:   submitter,
		git:         git,
		lists:       lists,
		builds:      buildsFake,
		mailingList: mailingList,
		owner:       owner,
	}
}

func testPatchset() *services.Patchset {
	patchset := &services.Patchset{
		ID:      1234,
		Subject: "output: fix damage tracking",
		Prefix:  "wlroots",
		Version: 2,
	}
	patchset.Thread.Root.MessageID = "20260830.1234@example.org"
	patchset.Submitter.Name = "Bob"
	patchset.Submitter.Address = "bob@example.org"
	return patchset
}

func TestSubmitPatchsetNotApplicable(t *testing.T) {
	cases := []struct {
		name      string
		manifests map[string]string
		mutate    func(*submitterFixture, *services.Patchset)
	}{
		{
			name:      "no prefix",
			manifests: map[string]string{".build.yml": sampleManifest},
			mutate:    func(f *submitterFixture, p *services.Patchset) { p.Prefix = "" },
		},
		{
			name:      "unknown prefix",
			manifests: map[string]string{".build.yml": sampleManifest},
			mutate:    func(f *submitterFixture, p *services.Patchset) { p.Prefix = "sway" },
		},
		{
			name:      "no manifests",
			manifests: map[string]string{},
			mutate:    func(f *submitterFixture, p *services.Patchset) {},
		},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			fixture := newSubmitterFixture(t, testCase.manifests)
			patchset := testPatchset()
			testCase.mutate(fixture, patchset)

			_, err := fixture.submitter.SubmitPatchset(context.Background(), fixture.mailingList, fixture.owner, patchset)
			if !errors.Is(err, ErrNotApplicable) {
				t.Fatalf("expected not applicable, got %v", err)
			}
			if len(fixture.lists.tools) != 0 {
				t.Fatalf("expected no status indicators, got %d", len(fixture.lists.tools))
			}
		})
	}
}

func TestSubmitPatchsetPrefixMatchIsCaseInsensitive(t *testing.T) {
	fixture := newSubmitterFixture(t, map[string]string{".build.yml": sampleManifest})
	patchset := testPatchset()
	patchset.Prefix = "WLRoots"

	ids, err := fixture.submitter.SubmitPatchset(context.Background(), fixture.mailingList, fixture.owner, patchset)
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one job, got %v", ids)
	}
}

func TestSubmitPatchsetAugmentsManifest(t *testing.T) {
	fixture := newSubmitterFixture(t, map[string]string{".build.yml": sampleManifest})
	patchset := testPatchset()

	ids, err := fixture.submitter.SubmitPatchset(context.Background(), fixture.mailingList, fixture.owner, patchset)
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if len(ids) != 1 || len(fixture.builds.submissions) != 1 {
		t.Fatalf("expected one submission, got %v", ids)
	}

	submission := fixture.builds.submissions[0]
	if submission.Execute {
		t.Fatalf("jobs must not auto-execute")
	}
	if submission.Visibility != "PUBLIC" {
		t.Fatalf("unexpected visibility: %q", submission.Visibility)
	}
	if len(submission.Tags) != 3 || submission.Tags[0] != "wlroots" || submission.Tags[1] != "patches" || submission.Tags[2] != ".build.yml" {
		t.Fatalf("unexpected tags: %v", submission.Tags)
	}
	if !strings.Contains(submission.Note, "[output: fix damage tracking][0] v2 from [Bob][1]") {
		t.Fatalf("unexpected note: %q", submission.Note)
	}

	var decoded struct {
		Tasks       []map[string]string    `yaml:"tasks"`
		Environment map[string]interface{} `yaml:"environment"`
		Triggers    []map[string]string    `yaml:"triggers"`
	}
	if err := yaml.Unmarshal([]byte(submission.Manifest), &decoded); err != nil {
		t.Fatalf("unexpected manifest decode error: %v", err)
	}
	script, ok := decoded.Tasks[0]["_apply_patch"]
	if !ok {
		t.Fatalf("expected apply task first, got %#v", decoded.Tasks[0])
	}
	if !strings.Contains(script, "curl -sS 'https://lists.example.org/~alice/wlroots-devel/patches/1234/mbox' >/tmp/patch") {
		t.Fatalf("unexpected apply script: %q", script)
	}
	if !strings.Contains(script, "git -C 'wlroots' am -3 /tmp/patch") {
		t.Fatalf("unexpected apply script: %q", script)
	}
	if decoded.Environment["BUILD_REASON"] != "release" {
		t.Fatalf("manifest environment must not be overwritten: %#v", decoded.Environment)
	}
	if decoded.Environment["PATCHSET_ID"] != 1234 {
		t.Fatalf("missing patchset id: %#v", decoded.Environment)
	}
	if decoded.Environment["PATCHSET_URL"] != "https://lists.example.org/~alice/wlroots-devel/patches/1234" {
		t.Fatalf("unexpected patchset url: %#v", decoded.Environment)
	}

	last := decoded.Triggers[len(decoded.Triggers)-1]
	if last["action"] != "webhook" || last["condition"] != "always" {
		t.Fatalf("unexpected trigger: %#v", last)
	}
	token := strings.TrimPrefix(last["url"], "https://hub.example.org/webhooks/build-complete/")
	opened, err := fixture.submitter.sealer.Open(token)
	if err != nil {
		t.Fatalf("trigger token must open: %v", err)
	}
	if opened.MailingListID != fixture.mailingList.ID || opened.PatchsetID != 1234 || opened.User != "~alice" {
		t.Fatalf("unexpected token payload: %#v", opened)
	}

	waiting := fixture.lists.toolsByIcon(services.ToolIconWaiting)
	if len(waiting) != 1 {
		t.Fatalf("expected one waiting indicator, got %d", len(waiting))
	}
	expectedDetails := fmt.Sprintf("[#%d](https://builds.example.org/~alice/job/%d) running .build.yml", ids[0], ids[0])
	if waiting[0].Details != expectedDetails {
		t.Fatalf("unexpected indicator details: %q", waiting[0].Details)
	}
}

func TestSubmitPatchsetParseFailureContinues(t *testing.T) {
	fixture := newSubmitterFixture(t, map[string]string{
		"bad.yml":  "tasks: [unclosed",
		"good.yml": sampleManifest,
	})

	ids, err := fixture.submitter.SubmitPatchset(context.Background(), fixture.mailingList, fixture.owner, testPatchset())
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one job, got %v", ids)
	}
	failed := fixture.lists.toolsByIcon(services.ToolIconFailed)
	if len(failed) != 1 || failed[0].Details != "Failed to submit build: error parsing YAML" {
		t.Fatalf("unexpected failure indicators: %#v", failed)
	}
}

func TestSubmitPatchsetHonorsOptOut(t *testing.T) {
	fixture := newSubmitterFixture(t, map[string]string{
		".build.yml": sampleManifest + "submitter:\n  hub:\n    enabled: false\n",
	})

	ids, err := fixture.submitter.SubmitPatchset(context.Background(), fixture.mailingList, fixture.owner, testPatchset())
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no jobs, got %v", ids)
	}
	if len(fixture.lists.tools) != 0 {
		t.Fatalf("opted-out manifests must not create indicators")
	}
	if len(fixture.builds.groups) != 0 {
		t.Fatalf("expected no group, got %d", len(fixture.builds.groups))
	}
}

func TestSubmitPatchsetSamplesManifests(t *testing.T) {
	manifests := make(map[string]string)
	for index := 0; index < 6; index++ {
		manifests[fmt.Sprintf("m%d.yml", index)] = sampleManifest
	}
	fixture := newSubmitterFixture(t, manifests)

	ids, err := fixture.submitter.SubmitPatchset(context.Background(), fixture.mailingList, fixture.owner, testPatchset())
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if len(ids) != 4 {
		t.Fatalf("expected four jobs, got %d", len(ids))
	}
}

func TestSubmitPatchsetDeduplicatesDependencies(t *testing.T) {
	fixture := newSubmitterFixture(t, map[string]string{".build.yml": sampleManifest})
	fixture.lists.patchsets[77] = &services.PatchsetSummary{ID: 77, Subject: "protocol: add base", Prefix: "wlr-protocols"}

	patchset := testPatchset()
	depend := "https://lists.example.org/~alice/wlroots-devel/patches/77"
	for i := 0; i < 2; i++ {
		var patch services.Patch
		patch.Trailers = append(patch.Trailers, struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}{Name: "Depends-on", Value: depend})
		patchset.Patches = append(patchset.Patches, patch)
	}

	_, err := fixture.submitter.SubmitPatchset(context.Background(), fixture.mailingList, fixture.owner, patchset)
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	var decoded struct {
		Tasks []map[string]string `yaml:"tasks"`
	}
	if err := yaml.Unmarshal([]byte(fixture.builds.submissions[0].Manifest), &decoded); err != nil {
		t.Fatalf("unexpected manifest decode error: %v", err)
	}
	script := decoded.Tasks[0]["_apply_patch"]
	if got := strings.Count(script, depend+"/mbox"); got != 1 {
		t.Fatalf("expected one dependency apply step, got %d in %q", got, script)
	}
	depIndex := strings.Index(script, depend+"/mbox")
	primaryIndex := strings.Index(script, "/patches/1234/mbox")
	if depIndex < 0 || primaryIndex < 0 || depIndex > primaryIndex {
		t.Fatalf("dependency must apply before the patchset: %q", script)
	}
	if !strings.Contains(script, "git -C 'wlr-protocols' am -3 /tmp/patch") {
		t.Fatalf("dependency must apply in its own prefix: %q", script)
	}
}

func TestSubmitPatchsetSubmissionFailureContinues(t *testing.T) {
	fixture := newSubmitterFixture(t, map[string]string{
		"bad.yml":  sampleManifest,
		"good.yml": sampleManifest,
	})
	fixture.builds.failFor = "bad.yml"

	ids, err := fixture.submitter.SubmitPatchset(context.Background(), fixture.mailingList, fixture.owner, testPatchset())
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one job, got %v", ids)
	}
	failed := fixture.lists.toolsByIcon(services.ToolIconFailed)
	if len(failed) != 1 || !strings.Contains(failed[0].Details, "Failed to submit build:") {
		t.Fatalf("unexpected failure indicators: %#v", failed)
	}
	if len(fixture.builds.groups) != 1 || len(fixture.builds.groups[0].JobIDs) != 1 {
		t.Fatalf("group must span only submitted jobs: %#v", fixture.builds.groups)
	}
}

func TestSubmitPatchsetGroupAddressing(t *testing.T) {
	fixture := newSubmitterFixture(t, map[string]string{".build.yml": sampleManifest})
	patchset := testPatchset()
	patchset.Thread.Root.ReplyTo = "Carol <carol@example.org>"

	if _, err := fixture.submitter.SubmitPatchset(context.Background(), fixture.mailingList, fixture.owner, patchset); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if len(fixture.builds.groups) != 1 {
		t.Fatalf("expected one group, got %d", len(fixture.builds.groups))
	}

	group := fixture.builds.groups[0]
	if len(group.Triggers) != 1 || group.Triggers[0].Type != "EMAIL" || group.Triggers[0].Condition != "ALWAYS" {
		t.Fatalf("unexpected triggers: %#v", group.Triggers)
	}
	email := group.Triggers[0].Email
	if email == nil {
		t.Fatalf("expected an email trigger")
	}
	if !strings.Contains(email.To, "carol@example.org") || !strings.Contains(email.To, "Carol") {
		t.Fatalf("unexpected recipient: %q", email.To)
	}
	if email.Cc != "~alice/wlroots-devel@lists.example.org" {
		t.Fatalf("unexpected cc: %q", email.Cc)
	}
	if email.InReplyTo != "<20260830.1234@example.org>" {
		t.Fatalf("unexpected threading: %q", email.InReplyTo)
	}
}
