// Package storetest provides an in-memory Store for tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// Notification is one recorded pub/sub message.
type Notification struct {
	Channel string
	Payload string
}

// MemStore is an in-memory implementation of store.Store. It is not a
// transactional database: WithTx applies writes directly, which is enough
// for exercising the evaluator and listener logic.
type MemStore struct {
	mu sync.Mutex

	ProjectsByName map[string]*models.Project
	JobsetsByKey   map[string]*models.Jobset
	InputsByKey    map[string][]*models.JobsetInput

	BuildsByID  map[int64]*models.Build
	nextBuildID int64

	EvalsByID  map[int64]*models.JobsetEval
	nextEvalID int64

	Members []models.EvalMember
	Edges   []models.AggregateConstituent
	Errors  []*models.EvaluationError

	Notifications []Notification

	// TxErr, when set, makes WithTx fail without applying the function.
	TxErr error
}

// New creates an empty MemStore.
func New() *MemStore {
	return &MemStore{
		ProjectsByName: make(map[string]*models.Project),
		JobsetsByKey:   make(map[string]*models.Jobset),
		InputsByKey:    make(map[string][]*models.JobsetInput),
		BuildsByID:     make(map[int64]*models.Build),
		EvalsByID:      make(map[int64]*models.JobsetEval),
	}
}

func key(project, jobset string) string {
	return project + "/" + jobset
}

// AddProject registers a project.
func (m *MemStore) AddProject(p *models.Project) {
	m.ProjectsByName[p.Name] = p
}

// AddJobset registers a jobset with its declared inputs.
func (m *MemStore) AddJobset(j *models.Jobset, declared []*models.JobsetInput) {
	m.JobsetsByKey[key(j.Project, j.Name)] = j
	m.InputsByKey[key(j.Project, j.Name)] = declared
}

// AddBuild inserts a build with an assigned id and returns it.
func (m *MemStore) AddBuild(b *models.Build) *models.Build {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextBuildID++
	b.ID = m.nextBuildID
	m.BuildsByID[b.ID] = b
	return b
}

// AddEval inserts an eval with an assigned id and returns it.
func (m *MemStore) AddEval(e *models.JobsetEval) *models.JobsetEval {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEvalID++
	e.ID = m.nextEvalID
	m.EvalsByID[e.ID] = e
	return e
}

// NotificationsOn returns the payloads recorded for a channel.
func (m *MemStore) NotificationsOn(channel string) []string {
	var payloads []string
	for _, n := range m.Notifications {
		if n.Channel == channel {
			payloads = append(payloads, n.Payload)
		}
	}
	return payloads
}

// CurrentBuildIDs returns the sorted ids of builds flagged current for a jobset.
func (m *MemStore) CurrentBuildIDs(project, jobset string) []int64 {
	var ids []int64
	for _, b := range m.BuildsByID {
		if b.Project == project && b.Jobset == jobset && b.IsCurrent {
			ids = append(ids, b.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Evals sorted by id for assertions.
func (m *MemStore) AllEvals() []*models.JobsetEval {
	evals := make([]*models.JobsetEval, 0, len(m.EvalsByID))
	for _, e := range m.EvalsByID {
		evals = append(evals, e)
	}
	sort.Slice(evals, func(i, j int) bool { return evals[i].ID < evals[j].ID })
	return evals
}

// --- store.Store ---

func (m *MemStore) Projects() store.ProjectStore { return (*projects)(m) }
func (m *MemStore) Jobsets() store.JobsetStore   { return (*jobsets)(m) }
func (m *MemStore) Builds() store.BuildStore     { return (*builds)(m) }
func (m *MemStore) Evals() store.EvalStore       { return (*evals)(m) }

func (m *MemStore) Notify(ctx context.Context, channel string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Notifications = append(m.Notifications, Notification{
		Channel: channel,
		Payload: strings.Join(fields, "\t"),
	})
	return nil
}

func (m *MemStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	if m.TxErr != nil {
		return m.TxErr
	}
	return fn(m)
}

func (m *MemStore) Close() error { return nil }

// --- projects ---

type projects MemStore

func (p *projects) Get(ctx context.Context, name string) (*models.Project, error) {
	if project, ok := p.ProjectsByName[name]; ok {
		return project, nil
	}
	return nil, store.ErrNotFound
}

// --- jobsets ---

type jobsets MemStore

func (j *jobsets) Get(ctx context.Context, project, name string) (*models.Jobset, error) {
	if jobset, ok := j.JobsetsByKey[key(project, name)]; ok {
		return jobset, nil
	}
	return nil, store.ErrNotFound
}

func (j *jobsets) Inputs(ctx context.Context, project, name string) ([]*models.JobsetInput, error) {
	return j.InputsByKey[key(project, name)], nil
}

func (j *jobsets) Update(ctx context.Context, jobset *models.Jobset) error {
	if _, ok := j.JobsetsByKey[key(jobset.Project, jobset.Name)]; !ok {
		return store.ErrNotFound
	}
	j.JobsetsByKey[key(jobset.Project, jobset.Name)] = jobset
	return nil
}

func (j *jobsets) Upsert(ctx context.Context, jobset *models.Jobset, inputs []*models.JobsetInput) error {
	j.JobsetsByKey[key(jobset.Project, jobset.Name)] = jobset
	j.InputsByKey[key(jobset.Project, jobset.Name)] = inputs
	return nil
}

// --- builds ---

type builds MemStore

func (b *builds) Get(ctx context.Context, id int64) (*models.Build, error) {
	if build, ok := b.BuildsByID[id]; ok {
		return build, nil
	}
	return nil, store.ErrNotFound
}

func (b *builds) Create(ctx context.Context, build *models.Build) error {
	(*MemStore)(b).AddBuild(build)
	if build.Timestamp.IsZero() {
		build.Timestamp = time.Now().UTC()
	}
	return nil
}

func (b *builds) matches(build *models.Build, project, jobset, job string, filter store.BuildFilter) (bool, error) {
	if build.Project != project || build.Jobset != jobset || build.Job != job || !build.Succeeded() {
		return false, nil
	}
	for k, v := range filter {
		switch k {
		case "system":
			if build.System != v {
				return false, nil
			}
		case "nixname":
			if build.NixName != v {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unsupported build filter attribute %q", k)
		}
	}
	return true, nil
}

func (b *builds) LatestSucceeded(ctx context.Context, project, jobset, job string, filter store.BuildFilter) (*models.Build, error) {
	var best *models.Build
	for _, build := range b.BuildsByID {
		ok, err := b.matches(build, project, jobset, job, filter)
		if err != nil {
			return nil, err
		}
		if ok && (best == nil || build.ID > best.ID) {
			best = build
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (b *builds) LatestSucceededBySystem(ctx context.Context, project, jobset, job string) ([]*models.Build, error) {
	bySystem := make(map[string]*models.Build)
	for _, build := range b.BuildsByID {
		ok, err := b.matches(build, project, jobset, job, nil)
		if err != nil {
			return nil, err
		}
		if ok {
			if best := bySystem[build.System]; best == nil || build.ID > best.ID {
				bySystem[build.System] = build
			}
		}
	}
	systems := make([]string, 0, len(bySystem))
	for system := range bySystem {
		systems = append(systems, system)
	}
	sort.Strings(systems)

	var out []*models.Build
	for _, system := range systems {
		out = append(out, bySystem[system])
	}
	return out, nil
}

func (b *builds) FindInEval(ctx context.Context, evalID int64, job, outputName, outputPath string) (*models.Build, error) {
	var best *models.Build
	for _, member := range b.Members {
		if member.EvalID != evalID {
			continue
		}
		build := b.BuildsByID[member.BuildID]
		if build == nil || build.Job != job {
			continue
		}
		if path, ok := build.Outputs[outputName]; ok && path == outputPath {
			if best == nil || build.ID > best.ID {
				best = build
			}
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (b *builds) ClearCurrent(ctx context.Context, project, jobset string) error {
	for _, build := range b.BuildsByID {
		if build.Project == project && build.Jobset == jobset {
			build.IsCurrent = false
		}
	}
	return nil
}

func (b *builds) MarkCurrent(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if build, ok := b.BuildsByID[id]; ok {
			build.IsCurrent = true
		}
	}
	return nil
}

func (b *builds) AddConstituents(ctx context.Context, edges []models.AggregateConstituent) error {
	b.Edges = append(b.Edges, edges...)
	return nil
}

func (b *builds) PendingNotifications(ctx context.Context) ([]*models.Build, error) {
	var pending []*models.Build
	for _, build := range b.BuildsByID {
		if build.Finished && build.NotificationPendingSince != nil {
			pending = append(pending, build)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].NotificationPendingSince.Before(*pending[j].NotificationPendingSince)
	})
	return pending, nil
}

func (b *builds) ClearNotificationPending(ctx context.Context, id int64) error {
	if build, ok := b.BuildsByID[id]; ok {
		build.NotificationPendingSince = nil
	}
	return nil
}

// --- evals ---

type evals MemStore

func (e *evals) Get(ctx context.Context, id int64) (*models.JobsetEval, error) {
	if eval, ok := e.EvalsByID[id]; ok {
		return eval, nil
	}
	return nil, store.ErrNotFound
}

func (e *evals) Create(ctx context.Context, eval *models.JobsetEval) error {
	(*MemStore)(e).AddEval(eval)
	if eval.Timestamp.IsZero() {
		eval.Timestamp = time.Now().UTC()
	}
	return nil
}

func (e *evals) latest(project, jobset string, accept func(*models.JobsetEval) bool) (*models.JobsetEval, error) {
	var best *models.JobsetEval
	for _, eval := range e.EvalsByID {
		if eval.Project != project || eval.Jobset != jobset || !eval.HasNewBuilds {
			continue
		}
		if accept != nil && !accept(eval) {
			continue
		}
		if best == nil || eval.ID > best.ID {
			best = eval
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (e *evals) LatestWinning(ctx context.Context, project, jobset string) (*models.JobsetEval, error) {
	return e.latest(project, jobset, nil)
}

func (e *evals) LatestFinished(ctx context.Context, project, jobset string) (*models.JobsetEval, error) {
	return e.latest(project, jobset, func(eval *models.JobsetEval) bool {
		for _, member := range e.Members {
			if member.EvalID == eval.ID {
				if build := e.BuildsByID[member.BuildID]; build != nil && !build.Finished {
					return false
				}
			}
		}
		return true
	})
}

func (e *evals) LatestWithSucceededJob(ctx context.Context, project, jobset, job string) (*models.JobsetEval, error) {
	return e.latest(project, jobset, func(eval *models.JobsetEval) bool {
		for _, member := range e.Members {
			if member.EvalID == eval.ID {
				if build := e.BuildsByID[member.BuildID]; build != nil && build.Job == job && build.Succeeded() {
					return true
				}
			}
		}
		return false
	})
}

func (e *evals) AddMembers(ctx context.Context, members []models.EvalMember) error {
	e.Members = append(e.Members, members...)
	return nil
}

func (e *evals) MemberBuildIDs(ctx context.Context, evalID int64) ([]int64, error) {
	var ids []int64
	for _, member := range e.Members {
		if member.EvalID == evalID {
			ids = append(ids, member.BuildID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (e *evals) JobOutputs(ctx context.Context, evalID int64) (map[string]string, error) {
	newest := make(map[string]*models.Build)
	for _, member := range e.Members {
		if member.EvalID != evalID {
			continue
		}
		build := e.BuildsByID[member.BuildID]
		if build == nil || !build.Succeeded() {
			continue
		}
		if best := newest[build.Job]; best == nil || build.ID > best.ID {
			newest[build.Job] = build
		}
	}

	outputs := make(map[string]string, len(newest))
	for job, build := range newest {
		if _, path := build.PrimaryOutput(); path != "" {
			outputs[job] = path
		}
	}
	return outputs, nil
}

func (e *evals) RecordError(ctx context.Context, message string, at time.Time) (*models.EvaluationError, error) {
	record := &models.EvaluationError{
		ID:      uuid.New().String(),
		Message: message,
		Time:    at,
	}
	e.Errors = append(e.Errors, record)
	return record, nil
}
