package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"DealSync/internal/interfaces"
	"DealSync/internal/model"
	"DealSync/internal/repository"

	"github.com/google/uuid"
)

// fakeRepo 内存版仓储，行为与数据库实现保持一致的过滤/冲突语义
type fakeRepo struct {
	mu             sync.Mutex
	activities     map[uint64]*model.SalesActivity
	deals          map[uint64]*model.Deal
	audit          []*model.AuditLogEntry
	nextActivityID uint64
	nextDealID     uint64
	nextAuditID    uint64

	// 注入点
	conflictOnDeal map[uint64]bool // 强制指定 Deal 的 LinkPair 返回冲突
	linkErr        error           // 强制 LinkPair 返回存储错误
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		activities:     make(map[uint64]*model.SalesActivity),
		deals:          make(map[uint64]*model.Deal),
		conflictOnDeal: make(map[uint64]bool),
	}
}

func (f *fakeRepo) seedActivity(owner, name string, amount float64, date time.Time) *model.SalesActivity {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextActivityID++
	a := &model.SalesActivity{
		ID:               f.nextActivityID,
		ActivityUUID:     uuid.NewString(),
		OwnerID:          owner,
		CounterpartyName: name,
		Amount:           amount,
		ActivityDate:     date,
		Status:           model.RecordStatusActive,
		CreatedAt:        time.Now().Add(time.Duration(f.nextActivityID) * time.Millisecond),
		UpdatedAt:        time.Now(),
	}
	f.activities[a.ID] = a
	return a
}

func (f *fakeRepo) seedDeal(owner, name string, value float64, stageChangedAt time.Time) *model.Deal {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextDealID++
	d := &model.Deal{
		ID:             f.nextDealID,
		DealUUID:       uuid.NewString(),
		OwnerID:        owner,
		CompanyName:    name,
		Value:          value,
		Stage:          "open",
		StageChangedAt: stageChangedAt,
		Status:         model.RecordStatusActive,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	f.deals[d.ID] = d
	return d
}

func matchActivity(f repository.RecordFilter, a *model.SalesActivity) bool {
	if a.Status != model.RecordStatusActive {
		return false
	}
	if f.OwnerID != "" && a.OwnerID != f.OwnerID {
		return false
	}
	if f.From != nil && a.ActivityDate.Before(*f.From) {
		return false
	}
	if f.To != nil && a.ActivityDate.After(*f.To) {
		return false
	}
	return true
}

func matchDeal(f repository.RecordFilter, d *model.Deal) bool {
	if d.Status != model.RecordStatusActive {
		return false
	}
	if f.OwnerID != "" && d.OwnerID != f.OwnerID {
		return false
	}
	if f.From != nil && d.StageChangedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && d.StageChangedAt.After(*f.To) {
		return false
	}
	return true
}

func (f *fakeRepo) ActivityStats(_ context.Context, fl repository.RecordFilter) (repository.SideStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s repository.SideStats
	for _, a := range f.activities {
		if !matchActivity(fl, a) {
			continue
		}
		s.Total++
		s.Revenue += a.Amount
		if a.DealID == nil {
			s.Orphans++
		}
	}
	return s, nil
}

func (f *fakeRepo) DealStats(_ context.Context, fl repository.RecordFilter) (repository.SideStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s repository.SideStats
	for _, d := range f.deals {
		if !matchDeal(fl, d) {
			continue
		}
		s.Total++
		s.Revenue += d.Value
		if d.ActivityID == nil {
			s.Orphans++
		}
	}
	return s, nil
}

func (f *fakeRepo) ListOwnerIDs(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	owners := make([]string, 0)
	for _, a := range f.activities {
		if !seen[a.OwnerID] {
			seen[a.OwnerID] = true
			owners = append(owners, a.OwnerID)
		}
	}
	for _, d := range f.deals {
		if !seen[d.OwnerID] {
			seen[d.OwnerID] = true
			owners = append(owners, d.OwnerID)
		}
	}
	sort.Strings(owners)
	return owners, nil
}

func (f *fakeRepo) ListOrphanActivities(_ context.Context, fl repository.RecordFilter, _ int) ([]*model.SalesActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := make([]*model.SalesActivity, 0)
	for _, a := range f.activities {
		if matchActivity(fl, a) && a.DealID == nil {
			cp := *a
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].ActivityDate.Equal(list[j].ActivityDate) {
			return list[i].ActivityDate.Before(list[j].ActivityDate)
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func (f *fakeRepo) ListOrphanDeals(_ context.Context, fl repository.RecordFilter, _ int) ([]*model.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := make([]*model.Deal, 0)
	for _, d := range f.deals {
		if matchDeal(fl, d) && d.ActivityID == nil {
			cp := *d
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].StageChangedAt.Equal(list[j].StageChangedAt) {
			return list[i].StageChangedAt.Before(list[j].StageChangedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func (f *fakeRepo) ListActiveActivities(_ context.Context, fl repository.RecordFilter, _ int) ([]*model.SalesActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := make([]*model.SalesActivity, 0)
	for _, a := range f.activities {
		if matchActivity(fl, a) {
			cp := *a
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (f *fakeRepo) GetActivity(_ context.Context, id uint64) (*model.SalesActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.activities[id]
	if !ok {
		return nil, fmt.Errorf("activity %d 不存在", id)
	}
	cp := *a
	return &cp, nil
}

func (f *fakeRepo) GetDeal(_ context.Context, id uint64) (*model.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deals[id]
	if !ok {
		return nil, fmt.Errorf("deal %d 不存在", id)
	}
	cp := *d
	return &cp, nil
}

func (f *fakeRepo) LinkPair(_ context.Context, activityID, dealID uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linkErr != nil {
		return false, f.linkErr
	}
	if f.conflictOnDeal[dealID] {
		return false, nil
	}
	a, aok := f.activities[activityID]
	d, dok := f.deals[dealID]
	if !aok || !dok {
		return false, nil
	}
	if a.Status != model.RecordStatusActive || a.DealID != nil {
		return false, nil
	}
	if d.Status != model.RecordStatusActive || d.ActivityID != nil {
		return false, nil
	}
	a.DealID = &dealID
	d.ActivityID = &activityID
	return true, nil
}

func (f *fakeRepo) UnlinkPair(_ context.Context, activityID, dealID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.activities[activityID]; ok && a.DealID != nil && *a.DealID == dealID {
		a.DealID = nil
	}
	if d, ok := f.deals[dealID]; ok && d.ActivityID != nil && *d.ActivityID == activityID {
		d.ActivityID = nil
	}
	return nil
}

func (f *fakeRepo) CreateActivity(_ context.Context, a *model.SalesActivity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextActivityID++
	a.ID = f.nextActivityID
	if a.ActivityUUID == "" {
		a.ActivityUUID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = model.RecordStatusActive
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = time.Now()
	cp := *a
	f.activities[a.ID] = &cp
	return nil
}

func (f *fakeRepo) CreateDeal(_ context.Context, d *model.Deal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextDealID++
	d.ID = f.nextDealID
	if d.DealUUID == "" {
		d.DealUUID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = model.RecordStatusActive
	}
	d.CreatedAt = time.Now()
	d.UpdatedAt = time.Now()
	cp := *d
	f.deals[d.ID] = &cp
	return nil
}

func (f *fakeRepo) DeleteActivity(_ context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.activities, id)
	return nil
}

func (f *fakeRepo) DeleteDeal(_ context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.deals, id)
	return nil
}

func (f *fakeRepo) MarkActivityMerged(_ context.Context, id, survivorID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.activities[id]; ok && a.Status == model.RecordStatusActive {
		a.Status = model.RecordStatusMerged
		a.MergedInto = &survivorID
	}
	return nil
}

func (f *fakeRepo) RestoreActivity(_ context.Context, snap *model.SalesActivity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.activities[snap.ID]; ok {
		a.CounterpartyName = snap.CounterpartyName
		a.Amount = snap.Amount
		a.ActivityDate = snap.ActivityDate
		a.DealID = snap.DealID
		a.Status = snap.Status
		a.MergedInto = snap.MergedInto
	}
	return nil
}

func (f *fakeRepo) RestoreDeal(_ context.Context, snap *model.Deal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.deals[snap.ID]; ok {
		d.CompanyName = snap.CompanyName
		d.Value = snap.Value
		d.Stage = snap.Stage
		d.StageChangedAt = snap.StageChangedAt
		d.ActivityID = snap.ActivityID
		d.Status = snap.Status
		d.MergedInto = snap.MergedInto
	}
	return nil
}

func (f *fakeRepo) AppendAudit(_ context.Context, entry *model.AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextAuditID++
	entry.ID = f.nextAuditID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	cp := *entry
	f.audit = append(f.audit, &cp)
	return nil
}

func (f *fakeRepo) GetAuditByIDs(_ context.Context, ids []uint64) ([]*model.AuditLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	list := make([]*model.AuditLogEntry, 0)
	for _, e := range f.audit {
		if want[e.ID] {
			cp := *e
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	return list, nil
}

func (f *fakeRepo) ListAuditAfter(_ context.Context, ownerID string, after time.Time) ([]*model.AuditLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := make([]*model.AuditLogEntry, 0)
	for _, e := range f.audit {
		if e.OwnerID == ownerID && e.CreatedAt.After(after) {
			cp := *e
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	return list, nil
}

func (f *fakeRepo) ListRecentAudit(_ context.Context, ownerID string, limit int) ([]*model.AuditLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	list := make([]*model.AuditLogEntry, 0)
	for _, e := range f.audit {
		if ownerID == "" || e.OwnerID == ownerID {
			cp := *e
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (f *fakeRepo) Transaction(_ context.Context, fn func(tx repository.ReconRepository) error) error {
	return fn(f)
}

func (f *fakeRepo) auditByAction(action string) []*model.AuditLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := make([]*model.AuditLogEntry, 0)
	for _, e := range f.audit {
		if e.Action == action {
			cp := *e
			list = append(list, &cp)
		}
	}
	return list
}

// fakeLock 进程内 owner 锁
type fakeLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLock() *fakeLock {
	return &fakeLock{held: make(map[string]bool)}
}

type fakeLease struct {
	l       *fakeLock
	ownerID string
}

func (l *fakeLease) Release(_ context.Context) error {
	l.l.mu.Lock()
	delete(l.l.held, l.ownerID)
	l.l.mu.Unlock()
	return nil
}

func (l *fakeLock) TryAcquire(_ context.Context, ownerID string) (interfaces.LockLease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[ownerID] {
		return nil, interfaces.ErrLockHeld
	}
	l.held[ownerID] = true
	return &fakeLease{l: l, ownerID: ownerID}, nil
}

// fakeLimiter 限流假实现：deny 指定类别一律拒绝，denyAfter>0 时放行前 N 次后拒绝
type fakeLimiter struct {
	mu        sync.Mutex
	deny      map[string]bool
	denyAfter int
	actions   []string // 记录经过的 (owner,class)
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{deny: make(map[string]bool)}
}

func (l *fakeLimiter) AllowAction(_ context.Context, ownerID, class string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actions = append(l.actions, ownerID+"/"+class)
	if l.deny[class] || (l.denyAfter > 0 && len(l.actions) > l.denyAfter) {
		return &interfaces.RateLimitError{Class: class, Limit: 1}
	}
	return nil
}

func (l *fakeLimiter) AllowOrigin(_ context.Context, addr string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny["origin"] {
		return &interfaces.RateLimitError{Class: "origin", Limit: 1}
	}
	return nil
}
