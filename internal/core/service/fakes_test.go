package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/emre/mediadock-paas/internal/core/domain"
)

// In-memory fakes for every port the orchestrator consumes. They record
// calls so tests can assert on side effects and ordering.

type fakeStorage struct {
	mu         sync.Mutex
	createErr  error
	deleteErr  error
	usage      map[string]int64
	createdFor map[string]int
	deletedFor []string
	backups    []string

	// usageEntered/usageRelease let a test hold a Usage query open while
	// a lifecycle transition runs.
	usageEntered chan struct{}
	usageRelease chan struct{}
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{usage: make(map[string]int64), createdFor: make(map[string]int)}
}

func (f *fakeStorage) CreateStorage(ctx context.Context, customerID string, quotaGB int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.createdFor[customerID]++
	return "/remote/customers/" + customerID, nil
}

func (f *fakeStorage) Usage(ctx context.Context, customerID string) (int64, error) {
	f.mu.Lock()
	entered, release := f.usageEntered, f.usageRelease
	f.usageEntered = nil
	f.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[customerID], nil
}

func (f *fakeStorage) DeleteStorage(ctx context.Context, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedFor = append(f.deletedFor, customerID)
	return f.deleteErr
}

func (f *fakeStorage) CreateBackup(ctx context.Context, customerID, label string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := fmt.Sprintf("/remote/backups/%s-%s.tar.gz", customerID, label)
	f.backups = append(f.backups, path)
	return path, nil
}

func (f *fakeStorage) createCalls(customerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createdFor[customerID]
}

type fakeMounts struct {
	mu           sync.Mutex
	mountErr     error
	unmountErr   error
	mounted      map[string]string // customerID -> local path
	mountCalls   int
	unmountCalls int
}

func newFakeMounts() *fakeMounts {
	return &fakeMounts{mounted: make(map[string]string)}
}

func (f *fakeMounts) Mount(ctx context.Context, customerID, remotePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mountCalls++
	if f.mountErr != nil {
		return "", f.mountErr
	}
	local := "/var/lib/mediadock/mounts/" + customerID
	f.mounted[customerID] = local
	return local, nil
}

func (f *fakeMounts) Unmount(ctx context.Context, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmountCalls++
	if f.unmountErr != nil {
		return f.unmountErr
	}
	delete(f.mounted, customerID)
	return nil
}

func (f *fakeMounts) isMounted(customerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.mounted[customerID]
	return ok
}

type fakeContainer struct {
	id      string
	running bool
	port    int
}

type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	createErr  error
	startErr   error
	stopErr    error
	removeErr  error
	nextPort   int

	// stopEntered/stopRelease let a test hold a Stop call open to
	// exercise the per-customer lock.
	stopEntered chan struct{}
	stopRelease chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*fakeContainer), nextPort: 32768}
}

func (f *fakeRuntime) Create(ctx context.Context, spec domain.RuntimeSpec) (domain.RuntimeHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return domain.RuntimeHandle{}, f.createErr
	}
	c := &fakeContainer{
		id:      "ctr-" + spec.InstanceName,
		running: true,
		port:    f.nextPort,
	}
	f.nextPort++
	f.containers[spec.InstanceName] = c
	return domain.RuntimeHandle{ID: c.id, HostPort: c.port}, nil
}

func (f *fakeRuntime) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[name]
	if !ok {
		return fmt.Errorf("no such container: %s", name)
	}
	c.running = true
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, name string) error {
	if f.stopEntered != nil {
		close(f.stopEntered)
		f.stopEntered = nil
		<-f.stopRelease
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	if c, ok := f.containers[name]; ok {
		c.running = false
	}
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.containers, name)
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, name string) (*domain.RuntimeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return nil, nil
	}
	state := &domain.RuntimeState{ID: c.id, Running: c.running}
	if c.running {
		state.HostPort = c.port
	}
	return state, nil
}

func (f *fakeRuntime) Logs(ctx context.Context, name string, tail int) (string, error) {
	return "log line\n", nil
}

func (f *fakeRuntime) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[name]
	return ok
}

func (f *fakeRuntime) drop(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, name)
}

type fakeStore struct {
	mu      sync.Mutex
	records map[string]domain.CustomerInstance
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]domain.CustomerInstance)}
}

func (f *fakeStore) Create(ctx context.Context, inst *domain.CustomerInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.records[inst.CustomerID]; exists {
		return fmt.Errorf("%w: customer exists", domain.ErrConflict)
	}
	for _, r := range f.records {
		if r.InstanceName == inst.InstanceName || r.Subdomain == inst.Subdomain {
			return fmt.Errorf("%w: instance name or subdomain already taken", domain.ErrConflict)
		}
	}
	f.records[inst.CustomerID] = *inst
	return nil
}

func (f *fakeStore) Get(ctx context.Context, customerID string) (*domain.CustomerInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[customerID]
	if !ok {
		return nil, fmt.Errorf("%w: customer %s", domain.ErrNotFound, customerID)
	}
	rec := r
	return &rec, nil
}

func (f *fakeStore) GetBySubdomain(ctx context.Context, subdomain string) (*domain.CustomerInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.Subdomain == subdomain {
			rec := r
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("%w: subdomain %s", domain.ErrNotFound, subdomain)
}

func (f *fakeStore) Update(ctx context.Context, inst *domain.CustomerInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[inst.CustomerID]; !ok {
		return fmt.Errorf("%w: customer %s", domain.ErrNotFound, inst.CustomerID)
	}
	f.records[inst.CustomerID] = *inst
	return nil
}

func (f *fakeStore) UpdateUsage(ctx context.Context, customerID string, usedGB float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[customerID]
	if !ok {
		return fmt.Errorf("%w: customer %s", domain.ErrNotFound, customerID)
	}
	r.StorageUsedGB = usedGB
	f.records[customerID] = r
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, customerID)
	return nil
}

func (f *fakeStore) List(ctx context.Context) ([]domain.CustomerInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.CustomerInstance, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) status(customerID string) (domain.LifecycleStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[customerID]
	return r.Status, ok
}

type activityRecord struct {
	customerID string
	action     string
	detail     string
}

type fakeActivity struct {
	mu      sync.Mutex
	entries []activityRecord
}

func (f *fakeActivity) Record(ctx context.Context, customerID, action, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, activityRecord{customerID, action, detail})
}

func (f *fakeActivity) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.action
	}
	return out
}

// testHarness bundles an orchestrator wired to fakes.
type testHarness struct {
	storage  *fakeStorage
	mounts   *fakeMounts
	runtime  *fakeRuntime
	store    *fakeStore
	activity *fakeActivity
	orch     *Orchestrator
}

func newHarness() *testHarness {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	h := &testHarness{
		storage:  newFakeStorage(),
		mounts:   newFakeMounts(),
		runtime:  newFakeRuntime(),
		store:    newFakeStore(),
		activity: &fakeActivity{},
	}
	h.orch = NewOrchestrator(
		h.storage, h.mounts, h.runtime, h.store, h.activity,
		DefaultTimeouts(),
		PlanLimits{CPULimit: 1.0, MemoryLimitMB: 2048, StorageQuotaGB: 100},
		log,
	)
	return h
}
