package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/wavesops/internal/domain"
)

var _ RecordStore = (*Memory)(nil)

type memberRow struct {
	domain.Membership
	claim string
}

type tradeRow struct {
	domain.TradeRequest
	claim string
}

// Memory is a RecordStore held in process memory. It gives the same
// conditional-update guarantees as Store under a single mutex.
type Memory struct {
	mu sync.Mutex

	users       map[int64]domain.User
	wallets     map[string]domain.Wallet
	memberships map[int64]*memberRow
	trades      map[int64]*tradeRow
	approvals   map[string]domain.ApprovalJob
	latestJob   map[string]string

	nextMembership int64
	nextTrade      int64
	now            func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:       make(map[int64]domain.User),
		wallets:     make(map[string]domain.Wallet),
		memberships: make(map[int64]*memberRow),
		trades:      make(map[int64]*tradeRow),
		approvals:   make(map[string]domain.ApprovalJob),
		latestJob:   make(map[string]string),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// PutUser adds or replaces a user.
func (m *Memory) PutUser(u domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) GetUser(_ context.Context, id int64) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) CreateWallet(_ context.Context, w domain.Wallet) (domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[w.UserID]
	if !ok {
		return domain.Wallet{}, ErrNotFound
	}
	if u.WalletAddress != "" {
		return domain.Wallet{}, ErrDuplicate
	}
	if _, taken := m.wallets[w.Address]; taken {
		return domain.Wallet{}, fmt.Errorf("%w: wallets_pkey", ErrDuplicate)
	}
	w.CreatedAt = m.now()
	m.wallets[w.Address] = w
	u.WalletAddress = w.Address
	m.users[u.ID] = u
	return w, nil
}

func (m *Memory) GetWalletByAddress(_ context.Context, address string) (domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[address]
	if !ok {
		return domain.Wallet{}, ErrNotFound
	}
	return w, nil
}

func (m *Memory) CreateMemberships(_ context.Context, tmpl domain.Membership, quantity int64) ([]domain.Membership, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if tmpl.Status == "" {
		tmpl.Status = domain.MembershipUnsold
	}
	now := m.now()
	out := make([]domain.Membership, 0, quantity)
	for i := int64(0); i < quantity; i++ {
		m.nextMembership++
		row := tmpl
		row.ID = m.nextMembership
		row.CreatedAt, row.UpdatedAt = now, now
		m.memberships[row.ID] = &memberRow{Membership: row}
		out = append(out, row)
	}
	return out, nil
}

func (m *Memory) GetMembership(_ context.Context, id int64) (domain.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.memberships[id]
	if !ok {
		return domain.Membership{}, ErrNotFound
	}
	return row.Membership, nil
}

func (m *Memory) ListMemberships(_ context.Context, f MembershipFilter, page domain.Page) ([]domain.Membership, int64, error) {
	page = page.Normalize()
	m.mu.Lock()
	var matched []domain.Membership
	for _, row := range m.memberships {
		if f.Status != "" && row.Status != f.Status {
			continue
		}
		if f.OwnerID != 0 && row.OwnerID != f.OwnerID {
			continue
		}
		matched = append(matched, row.Membership)
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return window(matched, page), int64(len(matched)), nil
}

func (m *Memory) ClaimMembership(_ context.Context, id int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.memberships[id]
	switch {
	case !ok:
		return ErrNotFound
	case row.Status != domain.MembershipUnsold:
		return ErrStaleStatus
	case row.claim != "":
		return ErrClaimed
	}
	row.claim = token
	row.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ReleaseMembership(_ context.Context, id int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.memberships[id]; ok && row.claim == token {
		row.claim = ""
		row.UpdatedAt = m.now()
	}
	return nil
}

func (m *Memory) SellMembership(_ context.Context, id int64, token string, buyerID int64, trxHash string) (domain.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.memberships[id]
	switch {
	case !ok:
		return domain.Membership{}, ErrNotFound
	case row.Status != domain.MembershipUnsold, row.OwnerID != row.CreatorID:
		return domain.Membership{}, ErrStaleStatus
	case row.claim != token:
		return domain.Membership{}, ErrClaimed
	}
	row.Status = domain.MembershipSold
	row.OwnerID = buyerID
	row.TrxHash = trxHash
	row.claim = ""
	row.UpdatedAt = m.now()
	return row.Membership, nil
}

func (m *Memory) ClaimMemberships(_ context.Context, ids []int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		row, ok := m.memberships[id]
		if !ok {
			return ErrNotFound
		}
		if row.claim != "" {
			return ErrClaimed
		}
	}
	now := m.now()
	for _, id := range ids {
		m.memberships[id].claim = token
		m.memberships[id].UpdatedAt = now
	}
	return nil
}

func (m *Memory) ReleaseMemberships(_ context.Context, ids []int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, id := range ids {
		if row, ok := m.memberships[id]; ok && row.claim == token {
			row.claim = ""
			row.UpdatedAt = now
		}
	}
	return nil
}

func (m *Memory) CreateTrade(_ context.Context, t domain.TradeRequest) (domain.TradeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.memberships[t.RequestedID]; !ok {
		return domain.TradeRequest{}, fmt.Errorf("trade insert failed: requested %w", ErrNotFound)
	}
	if _, ok := m.memberships[t.OfferedID]; !ok {
		return domain.TradeRequest{}, fmt.Errorf("trade insert failed: offered %w", ErrNotFound)
	}
	m.nextTrade++
	now := m.now()
	t.ID = m.nextTrade
	t.Status = domain.TradePending
	t.TrxHash = ""
	t.CreatedAt, t.UpdatedAt = now, now
	m.trades[t.ID] = &tradeRow{TradeRequest: t}
	return t, nil
}

func (m *Memory) GetTrade(_ context.Context, id int64) (domain.TradeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.trades[id]
	if !ok {
		return domain.TradeRequest{}, ErrNotFound
	}
	return row.TradeRequest, nil
}

func (m *Memory) ListTrades(_ context.Context, userID int64, page domain.Page) ([]domain.TradeRequest, int64, error) {
	page = page.Normalize()
	m.mu.Lock()
	var matched []domain.TradeRequest
	for _, row := range m.trades {
		requested := m.memberships[row.RequestedID]
		if row.UserID == userID || (requested != nil && requested.OwnerID == userID) {
			matched = append(matched, row.TradeRequest)
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	return window(matched, page), int64(len(matched)), nil
}

func (m *Memory) ClaimTrade(_ context.Context, id int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.trades[id]
	switch {
	case !ok:
		return ErrNotFound
	case row.Status != domain.TradePending:
		return ErrStaleStatus
	case row.claim != "":
		return ErrClaimed
	}
	row.claim = token
	row.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ReleaseTrade(_ context.Context, id int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.trades[id]; ok && row.claim == token {
		row.claim = ""
		row.UpdatedAt = m.now()
	}
	return nil
}

func (m *Memory) SettleTrade(_ context.Context, id int64, token, trxHash string) (domain.TradeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.trades[id]
	switch {
	case !ok:
		return domain.TradeRequest{}, ErrNotFound
	case row.Status != domain.TradePending:
		return domain.TradeRequest{}, ErrStaleStatus
	case row.claim != token:
		return domain.TradeRequest{}, ErrClaimed
	}
	requested, offered := m.memberships[row.RequestedID], m.memberships[row.OfferedID]
	if requested == nil || offered == nil {
		return domain.TradeRequest{}, ErrNotFound
	}
	if requested.claim != token || offered.claim != token {
		return domain.TradeRequest{}, ErrClaimed
	}
	if offered.OwnerID != row.UserID {
		return domain.TradeRequest{}, ErrStaleStatus
	}

	now := m.now()
	requested.OwnerID, offered.OwnerID = row.UserID, requested.OwnerID
	requested.claim, offered.claim = "", ""
	requested.UpdatedAt, offered.UpdatedAt = now, now

	row.Status = domain.TradeAccepted
	row.TrxHash = trxHash
	row.claim = ""
	row.UpdatedAt = now
	return row.TradeRequest, nil
}

func (m *Memory) TransitionTrade(_ context.Context, id int64, to domain.TradeStatus) (domain.TradeRequest, error) {
	if !to.Terminal() {
		return domain.TradeRequest{}, fmt.Errorf("trade status %q is not terminal", to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.trades[id]
	switch {
	case !ok:
		return domain.TradeRequest{}, ErrNotFound
	case row.Status != domain.TradePending:
		return domain.TradeRequest{}, ErrStaleStatus
	case row.claim != "":
		return domain.TradeRequest{}, ErrClaimed
	}
	row.Status = to
	row.UpdatedAt = m.now()
	return row.TradeRequest, nil
}

func (m *Memory) CreateApprovalJob(_ context.Context, job domain.ApprovalJob) (domain.ApprovalJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[job.ID]; ok {
		return domain.ApprovalJob{}, fmt.Errorf("%w: approval_jobs_pkey", ErrDuplicate)
	}
	now := m.now()
	job.CreatedAt, job.UpdatedAt = now, now
	m.approvals[job.ID] = job
	m.latestJob[job.Owner] = job.ID
	return job, nil
}

func (m *Memory) GetApprovalJob(_ context.Context, id string) (domain.ApprovalJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.approvals[id]
	if !ok {
		return domain.ApprovalJob{}, ErrNotFound
	}
	return j, nil
}

func (m *Memory) LatestApprovalJob(_ context.Context, owner string) (domain.ApprovalJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.approvals[m.latestJob[owner]]
	if !ok {
		return domain.ApprovalJob{}, ErrNotFound
	}
	return j, nil
}

func (m *Memory) UpdateApprovalJob(_ context.Context, job domain.ApprovalJob, from domain.ApprovalState) (domain.ApprovalJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.approvals[job.ID]
	if !ok {
		return domain.ApprovalJob{}, ErrNotFound
	}
	if cur.State != from {
		return domain.ApprovalJob{}, ErrStaleStatus
	}
	job.Owner, job.Operator, job.CreatedAt = cur.Owner, cur.Operator, cur.CreatedAt
	job.UpdatedAt = m.now()
	m.approvals[job.ID] = job
	return job, nil
}

func (m *Memory) ListOpenApprovalJobs(_ context.Context, limit int) ([]domain.ApprovalJob, error) {
	if limit <= 0 {
		limit = domain.DefaultPageLimit
	}
	m.mu.Lock()
	var open []domain.ApprovalJob
	for _, j := range m.approvals {
		if !j.State.Terminal() {
			open = append(open, j)
		}
	}
	m.mu.Unlock()

	sort.Slice(open, func(i, j int) bool { return open[i].UpdatedAt.Before(open[j].UpdatedAt) })
	if len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

func window[T any](rows []T, page domain.Page) []T {
	if page.Offset >= len(rows) {
		return nil
	}
	end := page.Offset + page.Limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[page.Offset:end]
}
