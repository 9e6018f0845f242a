package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bulkwave/wacampaign-backend/internal/model"
	"github.com/bulkwave/wacampaign-backend/internal/resolver"
)

// In-memory stand-ins for the Postgres repositories, the gateway and the
// Redis throttle. They keep the same semantics the real implementations
// promise, most importantly atomic CAS transitions.

type fakeCampaigns struct {
	mu     sync.Mutex
	seq    int
	items  map[int]*model.Campaign
	getErr error
}

func newFakeCampaigns() *fakeCampaigns {
	return &fakeCampaigns{items: map[int]*model.Campaign{}}
}

func (f *fakeCampaigns) Create(c *model.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	c.ID = f.seq
	if c.Status == "" {
		c.Status = model.StatusCreated
	}
	if c.Source.StartRow < 1 {
		c.Source.StartRow = 1
	}
	c.CreatedAt = time.Now().UTC()
	cp := *c
	f.items[c.ID] = &cp
	return nil
}

func (f *fakeCampaigns) GetByID(id int) (*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	c, ok := f.items[id]
	if !ok {
		return nil, fmt.Errorf("campaign %d not found", id)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCampaigns) List(offset, limit int, sessionName string, status model.CampaignStatus) ([]*model.Campaign, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range f.items {
		if sessionName != "" && c.SessionName != sessionName {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (f *fakeCampaigns) Delete(id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, id)
	return nil
}

func (f *fakeCampaigns) CASStatus(id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.items[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if c.Status == s {
			c.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCampaigns) SetQueuePosition(id int, position *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.items[id]; ok {
		c.QueuePosition = position
	}
	return nil
}

func (f *fakeCampaigns) SetSchedule(id int, at *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.items[id]; ok {
		c.ScheduledStartTime = at
		c.IsScheduled = at != nil
	}
	return nil
}

func (f *fakeCampaigns) SetLastError(id int, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.items[id]; ok {
		c.LastError = msg
	}
	return nil
}

func (f *fakeCampaigns) SetTotalRows(id, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.items[id]; ok {
		c.TotalRows = total
	}
	return nil
}

func (f *fakeCampaigns) IncrementProgress(id int, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.items[id]; ok {
		c.ProcessedRows++
		if success {
			c.SuccessCount++
		}
	}
	return nil
}

func (f *fakeCampaigns) NextQueued(sessionName string) (*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *model.Campaign
	for _, c := range f.items {
		if c.SessionName != sessionName || c.Status != model.StatusQueued {
			continue
		}
		if best == nil || lessQueued(c, best) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func lessQueued(a, b *model.Campaign) bool {
	switch {
	case a.QueuePosition != nil && b.QueuePosition != nil && *a.QueuePosition != *b.QueuePosition:
		return *a.QueuePosition < *b.QueuePosition
	case a.QueuePosition != nil && b.QueuePosition == nil:
		return true
	case a.QueuePosition == nil && b.QueuePosition != nil:
		return false
	default:
		return a.ID < b.ID
	}
}

func (f *fakeCampaigns) QueuedCount(sessionName string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.items {
		if c.SessionName == sessionName && c.Status == model.StatusQueued {
			n++
		}
	}
	return n, nil
}

// failGets makes every subsequent GetByID return err, simulating a store
// outage while writes still go through.
func (f *fakeCampaigns) failGets(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErr = err
}

func (f *fakeCampaigns) ShiftQueuePositions(sessionName string, above int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.items {
		if c.SessionName == sessionName && c.Status == model.StatusQueued &&
			c.QueuePosition != nil && *c.QueuePosition > above {
			p := *c.QueuePosition - 1
			c.QueuePosition = &p
		}
	}
	return nil
}

func (f *fakeCampaigns) ListByStatus(status model.CampaignStatus) ([]*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range f.items {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeCampaigns) DueScheduled(now time.Time) ([]*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range f.items {
		if c.Status == model.StatusScheduled && c.ScheduledStartTime != nil && !c.ScheduledStartTime.After(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeCampaigns) status(id int) model.CampaignStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.items[id]; ok {
		return c.Status
	}
	return ""
}

type fakeDeliveries struct {
	mu         sync.Mutex
	records    []model.Delivery
	successful map[int]map[string]bool // campaign id → phones, pre-seeded for restarts
}

func newFakeDeliveries() *fakeDeliveries {
	return &fakeDeliveries{successful: map[int]map[string]bool{}}
}

func (f *fakeDeliveries) Create(d *model.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d.ID = len(f.records) + 1
	f.records = append(f.records, *d)
	return nil
}

func (f *fakeDeliveries) ListByCampaign(campaignID int) ([]model.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.Delivery{}
	for _, d := range f.records {
		if d.CampaignID == campaignID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out, nil
}

func (f *fakeDeliveries) SuccessfulPhones(campaignID int) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	phones := map[string]bool{}
	for p := range f.successful[campaignID] {
		phones[p] = true
	}
	for _, d := range f.records {
		if d.CampaignID == campaignID && d.Status == model.DeliverySent {
			phones[d.PhoneNumber] = true
		}
	}
	return phones, nil
}

func (f *fakeDeliveries) Stats(campaignID int) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := map[string]int{model.DeliverySent: 0, model.DeliveryFailed: 0}
	for _, d := range f.records {
		if d.CampaignID == campaignID {
			stats[d.Status]++
		}
	}
	return stats, nil
}

func (f *fakeDeliveries) count(campaignID int) int {
	out, _ := f.ListByCampaign(campaignID)
	return len(out)
}

type fakeLease struct {
	owner      string
	campaignID int
}

type fakeLocks struct {
	mu     sync.Mutex
	leases map[string]fakeLease // session → lease
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{leases: map[string]fakeLease{}}
}

func (f *fakeLocks) Acquire(sessionName string, campaignID int, owner string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.leases[sessionName]; held {
		return false, nil
	}
	f.leases[sessionName] = fakeLease{owner: owner, campaignID: campaignID}
	return true, nil
}

func (f *fakeLocks) Release(sessionName, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leases[sessionName].owner == owner {
		delete(f.leases, sessionName)
	}
	return nil
}

func (f *fakeLocks) Refresh(_, _ string) error { return nil }

func (f *fakeLocks) Holder(sessionName string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lease, held := f.leases[sessionName]
	return lease.campaignID, held, nil
}

func (f *fakeLocks) ReapStale(_ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.leases)
	f.leases = map[string]fakeLease{}
	return n, nil
}

func (f *fakeLocks) held(sessionName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.leases[sessionName]
	return ok
}

// fakeResolver serves a fixed recipient list per campaign and honors the
// restart skip set the way the real resolver does.
type fakeResolver struct {
	mu         sync.Mutex
	recipients map[int][]model.Recipient
	err        error
	calls      int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{recipients: map[int][]model.Recipient{}}
}

func (f *fakeResolver) Resolve(_ context.Context, c *model.Campaign, skip map[string]bool) ([]model.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := []model.Recipient{}
	for _, r := range f.recipients[c.ID] {
		if skip[resolver.DedupeKey(r.Phone)] {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

type sentMessage struct {
	Session string
	Phone   string
	Text    string
}

// fakeTransport records sends. failures maps a phone to how many attempts
// should fail (-1 for always). block, when set, holds every send until closed;
// entered, when set, receives a token as a send starts waiting on block.
// afterSend runs synchronously after each attempt, letting tests trigger
// pause/stop at exact points in the loop.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []sentMessage
	failures  map[string]int
	block     chan struct{}
	entered   chan struct{}
	afterSend func(n int, phone string)
}

func (f *fakeTransport) Send(ctx context.Context, sessionName, phone, text string) error {
	if f.block != nil {
		if f.entered != nil {
			select {
			case f.entered <- struct{}{}:
			default:
			}
		}
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	var err error
	if left, ok := f.failures[phone]; ok && left != 0 {
		if left > 0 {
			f.failures[phone] = left - 1
		}
		err = fmt.Errorf("gateway rejected %s", phone)
	} else {
		f.sent = append(f.sent, sentMessage{Session: sessionName, Phone: phone, Text: text})
	}
	n := len(f.sent)
	hook := f.afterSend
	f.mu.Unlock()

	if hook != nil {
		hook(n, phone)
	}
	return err
}

func (f *fakeTransport) phones() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.Phone)
	}
	return out
}

type fakeEngineDirectory struct {
	mu    sync.Mutex
	saved []string
}

func (d *fakeEngineDirectory) ResolveGroup(context.Context, string, string) ([]model.Recipient, error) {
	return nil, nil
}

func (d *fakeEngineDirectory) ResolveContacts(context.Context, string, string, []string) ([]model.Recipient, error) {
	return nil, nil
}

func (d *fakeEngineDirectory) SaveContact(_ context.Context, _ string, r model.Recipient) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.saved = append(d.saved, r.Phone)
	return nil
}

func (d *fakeEngineDirectory) MyContacts(context.Context, string) ([]string, error) {
	return nil, nil
}

func (d *fakeEngineDirectory) HasConversation(context.Context, string, string) (bool, error) {
	return false, nil
}

// fakeThrottle allows everything unless a script decides otherwise.
type fakeThrottle struct {
	mu      sync.Mutex
	calls   int
	denials int
	script  func(call int) (bool, time.Duration)
}

func (f *fakeThrottle) Allow(_ context.Context, _ string, _ int) (bool, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.script == nil {
		return true, 0, nil
	}
	ok, retryAfter := f.script(f.calls)
	if !ok {
		f.denials++
	}
	return ok, retryAfter, nil
}

func (f *fakeThrottle) deniedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.denials
}

type testEnv struct {
	campaigns  *fakeCampaigns
	deliveries *fakeDeliveries
	locks      *fakeLocks
	resolver   *fakeResolver
	transport  *fakeTransport
	directory  *fakeEngineDirectory
	throttle   *fakeThrottle
	engine     *Engine
}

func newTestEnv() *testEnv {
	log := logrus.New()
	log.SetOutput(io.Discard)

	env := &testEnv{
		campaigns:  newFakeCampaigns(),
		deliveries: newFakeDeliveries(),
		locks:      newFakeLocks(),
		resolver:   newFakeResolver(),
		transport:  &fakeTransport{},
		directory:  &fakeEngineDirectory{},
		throttle:   &fakeThrottle{},
	}
	env.engine = New(env.campaigns, env.deliveries, env.locks,
		env.resolver, env.transport, env.directory, env.throttle, log)
	env.engine.parkRecheck = 10 * time.Millisecond
	return env
}

// peerEngine builds a second engine over the same store, lock table and
// gateway, standing in for the API server when dispatch runs in a worker.
func (env *testEnv) peerEngine() *Engine {
	log := logrus.New()
	log.SetOutput(io.Discard)
	peer := New(env.campaigns, env.deliveries, env.locks,
		env.resolver, env.transport, env.directory, env.throttle, log)
	peer.parkRecheck = env.engine.parkRecheck
	return peer
}

// addCampaign stores a campaign and registers its recipient list.
func (env *testEnv) addCampaign(c *model.Campaign, phones ...string) *model.Campaign {
	if c.SessionName == "" {
		c.SessionName = "main"
	}
	if c.MessageMode == "" {
		c.MessageMode = model.ModeSingle
	}
	if len(c.MessageSamples) == 0 {
		c.MessageSamples = []string{"hi {name}"}
	}
	if c.Source.SourceType == "" {
		c.Source = model.Source{SourceType: model.SourceCSVUpload, FilePath: "x.csv", StartRow: 1}
	}
	if err := env.campaigns.Create(c); err != nil {
		panic(err)
	}
	recipients := make([]model.Recipient, 0, len(phones))
	for _, p := range phones {
		recipients = append(recipients, model.Recipient{Phone: p, Name: p})
	}
	env.resolver.recipients[c.ID] = recipients
	return c
}
