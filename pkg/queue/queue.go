package queue

import (
	"fmt"
	"sync"

	"github.com/beamline/qserver/pkg/log"
	"github.com/beamline/qserver/pkg/storage"
	"github.com/beamline/qserver/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Symbolic queue positions accepted by most operations
const (
	PosFront = "front"
	PosBack  = "back"
)

// PlanQueue is the sole owner of the plan queue, the plan history, the
// running-item slot, the in-memory UID index and the revision tags. All
// mutations are serialized by a single mutex; the revision tag bump, the
// in-memory mutation and the durable write happen in the same critical
// section, so a no-op call never changes a tag and durable state never
// diverges from the tags.
type PlanQueue struct {
	mu    sync.Mutex
	store storage.Store
	lg    zerolog.Logger

	items    []types.Item
	running  *types.Item
	uidIndex map[string]types.Item

	historySize int

	planQueueUID   string
	planHistoryUID string
}

// New creates a plan queue service backed by the given store. Call Start
// before any other operation.
func New(store storage.Store) *PlanQueue {
	return &PlanQueue{
		store:          store,
		lg:             log.WithComponent("plan_queue"),
		uidIndex:       make(map[string]types.Item),
		planQueueUID:   uuid.New().String(),
		planHistoryUID: uuid.New().String(),
	}
}

// NewItemUID returns a fresh item UID
func (q *PlanQueue) NewItemUID() string {
	return uuid.New().String()
}

// SetNewItemUUID returns a copy of the item with the UID replaced by a fresh
// one
func (q *PlanQueue) SetNewItemUUID(item types.Item) types.Item {
	cp := item.Copy()
	cp.ItemUID = q.NewItemUID()
	return cp
}

// Start loads durable state, removes invalid residue left by a previous
// manager instance and rebuilds the UID index from the queue and the running
// slot.
func (q *PlanQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.queueClean(); err != nil {
		return fmt.Errorf("failed to clean the queue: %w", err)
	}

	history, err := q.store.HistoryItems()
	if err != nil {
		return fmt.Errorf("failed to load plan history: %w", err)
	}
	q.historySize = len(history)

	q.uidIndexInitialize()
	q.lg.Info().Int("items_in_queue", len(q.items)).
		Int("items_in_history", q.historySize).
		Bool("item_running", q.running != nil).
		Msg("plan queue started")
	return nil
}

// Stop closes the backing store
func (q *PlanQueue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Close()
}

// queueClean drops queue entries without an item UID, clears a running
// slot whose payload has no valid UID and removes a queue entry that
// duplicates the running item. Residue of these shapes appears when a
// manager is killed mid-execution: the slot and the queue are written in
// separate store transactions, so a crash between the writes can leave the
// same UID in both. The slot is authoritative.
func (q *PlanQueue) queueClean() error {
	stored, err := q.store.QueueItems()
	if err != nil {
		return err
	}

	running, err := q.store.RunningItem()
	if err != nil {
		return err
	}
	if running != nil && running.ItemUID == "" {
		q.lg.Warn().Msg("discarded running item without UID")
		if err := q.store.ClearRunningItem(); err != nil {
			return err
		}
		running = nil
	}

	items := make([]types.Item, 0, len(stored))
	dropped, duplicated := 0, 0
	for _, item := range stored {
		if item.ItemUID == "" {
			dropped++
			continue
		}
		if running != nil && item.ItemUID == running.ItemUID {
			duplicated++
			continue
		}
		items = append(items, item)
	}
	if dropped > 0 {
		q.lg.Warn().Int("dropped", dropped).Msg("discarded queue entries without UID")
	}
	if duplicated > 0 {
		q.lg.Warn().Str("item_uid", running.ItemUID).Msg("discarded queue duplicate of the running item")
	}
	if err := q.store.ReplaceQueue(items); err != nil {
		return err
	}
	q.items = items
	q.running = running
	return nil
}

// uidIndexInitialize rebuilds the UID index from the queue and the running
// slot and bumps the queue tag.
func (q *PlanQueue) uidIndexInitialize() {
	index := make(map[string]types.Item, len(q.items)+1)
	for _, item := range q.items {
		index[item.ItemUID] = item
	}
	if q.running != nil {
		index[q.running.ItemUID] = *q.running
	}
	q.uidIndex = index
	q.planQueueUID = uuid.New().String()
}

// PlanQueueUID returns the current queue revision tag
func (q *PlanQueue) PlanQueueUID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.planQueueUID
}

// PlanHistoryUID returns the current history revision tag
func (q *PlanQueue) PlanHistoryUID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.planHistoryUID
}

// GetQueue returns a copy of the queue and the queue revision tag
func (q *PlanQueue) GetQueue() ([]types.Item, string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.copyQueue(), q.planQueueUID
}

// GetQueueFull returns the queue, the running item (nil when no item is
// running) and the queue revision tag
func (q *PlanQueue) GetQueueFull() ([]types.Item, *types.Item, string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var running *types.Item
	if q.running != nil {
		cp := q.running.Copy()
		running = &cp
	}
	return q.copyQueue(), running, q.planQueueUID
}

// GetQueueSize returns the number of items in the queue (the running item is
// not counted)
func (q *PlanQueue) GetQueueSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// GetHistory returns the plan history and the history revision tag
func (q *PlanQueue) GetHistory() ([]types.Item, string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.store.HistoryItems()
	if err != nil {
		return nil, "", err
	}
	return items, q.planHistoryUID, nil
}

// GetHistorySize returns the number of history entries
func (q *PlanQueue) GetHistorySize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.historySize
}

// IsItemRunning reports whether the running slot is occupied
func (q *PlanQueue) IsItemRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running != nil
}

// GetRunningItemInfo returns the running item or nil if nothing is running
func (q *PlanQueue) GetRunningItemInfo() *types.Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running == nil {
		return nil
	}
	cp := q.running.Copy()
	return &cp
}

func (q *PlanQueue) copyQueue() []types.Item {
	items := make([]types.Item, len(q.items))
	for i, item := range q.items {
		items[i] = item.Copy()
	}
	return items
}

// normalizePos converts a position parameter to a symbolic position or an
// integer index. Accepted values: "front", "back", integers (JSON numbers
// arrive as float64).
func normalizePos(pos interface{}) (idx int, sym string, err error) {
	switch p := pos.(type) {
	case string:
		if p == PosFront || p == PosBack {
			return 0, p, nil
		}
	case int:
		return p, "", nil
	case int64:
		return int(p), "", nil
	case float64:
		if p == float64(int(p)) {
			return int(p), "", nil
		}
	}
	return 0, "", fmt.Errorf("Parameter 'pos' has incorrect value (%v)", pos)
}

// resolveIndex converts a normalized position to a queue index for read and
// remove operations. Out-of-range positions are an error.
func (q *PlanQueue) resolveIndex(idx int, sym string) (int, error) {
	size := len(q.items)
	switch sym {
	case PosFront:
		if size == 0 {
			return 0, fmt.Errorf("Queue is empty")
		}
		return 0, nil
	case PosBack:
		if size == 0 {
			return 0, fmt.Errorf("Queue is empty")
		}
		return size - 1, nil
	}
	n := idx
	if n < 0 {
		n += size
	}
	if n < 0 || n >= size {
		return 0, fmt.Errorf("Index %d is out of range", idx)
	}
	return n, nil
}

// indexByUID returns the queue index of the item with the given UID
func (q *PlanQueue) indexByUID(uid string) (int, error) {
	for i, item := range q.items {
		if item.ItemUID == uid {
			return i, nil
		}
	}
	return 0, fmt.Errorf("No plan with UID '%s' in the queue", uid)
}

// verifyItem checks that an item may be inserted: it must carry a UID that
// does not collide with any queue or running-slot UID. UIDs listed in
// ignoreUIDs are exempt from the collision check (used by replace).
func (q *PlanQueue) verifyItem(item types.Item, ignoreUIDs []string) error {
	if item.ItemUID == "" {
		return fmt.Errorf("Item does not have UID")
	}
	for _, uid := range ignoreUIDs {
		if uid == item.ItemUID {
			return nil
		}
	}
	if _, ok := q.uidIndex[item.ItemUID]; ok {
		return fmt.Errorf("Item with UID '%s' is already in the queue", item.ItemUID)
	}
	return nil
}

// AddOptions selects the insertion point for AddItemToQueue. At most one of
// Pos, BeforeUID, AfterUID may be given; the default is the back of the
// queue.
type AddOptions struct {
	Pos        interface{}
	BeforeUID  string
	AfterUID   string
	IgnoreUIDs []string
}

// AddItemToQueue inserts an item at the requested location and returns the
// stored item and the new queue size. An item without a UID is assigned a
// fresh one; a UID collision fails the insert. Integer positions are clamped
// to the queue boundaries.
func (q *PlanQueue) AddItemToQueue(item types.Item, opts AddOptions) (types.Item, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	specified := 0
	if opts.Pos != nil {
		specified++
	}
	if opts.BeforeUID != "" {
		specified++
	}
	if opts.AfterUID != "" {
		specified++
	}
	if specified > 1 {
		return types.Item{}, 0, fmt.Errorf(
			"Ambiguous parameters: only one of 'pos', 'before_uid' and 'after_uid' may be specified")
	}

	item = item.Copy()
	if item.ItemUID == "" {
		item.ItemUID = q.NewItemUID()
	} else if err := q.verifyItem(item, opts.IgnoreUIDs); err != nil {
		return types.Item{}, 0, err
	}

	size := len(q.items)
	index := size

	switch {
	case opts.BeforeUID != "" || opts.AfterUID != "":
		uid := opts.BeforeUID
		before := true
		if opts.AfterUID != "" {
			uid = opts.AfterUID
			before = false
		}
		if q.running != nil && q.running.ItemUID == uid {
			if before {
				return types.Item{}, 0, fmt.Errorf(
					"Can not insert a plan in the queue before a currently running plan")
			}
			index = 0 // after the running item means the front of the queue
		} else {
			n, err := q.indexByUID(uid)
			if err != nil {
				return types.Item{}, 0, fmt.Errorf("Plan with UID '%s' is not in the queue", uid)
			}
			if before {
				index = n
			} else {
				index = n + 1
			}
		}
	case opts.Pos != nil:
		idx, sym, err := normalizePos(opts.Pos)
		if err != nil {
			return types.Item{}, 0, err
		}
		switch sym {
		case PosFront:
			index = 0
		case PosBack:
			index = size
		default:
			if idx < 0 {
				idx += size
			}
			if idx < 0 {
				idx = 0
			}
			if idx > size {
				idx = size
			}
			index = idx
		}
	}

	newItems := make([]types.Item, 0, size+1)
	newItems = append(newItems, q.items[:index]...)
	newItems = append(newItems, item)
	newItems = append(newItems, q.items[index:]...)

	if err := q.store.ReplaceQueue(newItems); err != nil {
		return types.Item{}, 0, err
	}
	q.items = newItems
	q.uidIndex[item.ItemUID] = item
	q.planQueueUID = uuid.New().String()
	return item.Copy(), len(q.items), nil
}

// AddBatchToQueue appends a batch of items to the back of the queue.
// All-or-nothing: if any item fails the uniqueness check (against existing
// items or other batch members), nothing is inserted.
func (q *PlanQueue) AddBatchToQueue(items []types.Item) ([]types.Item, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	prepared := make([]types.Item, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = item.Copy()
		if item.ItemUID == "" {
			item.ItemUID = q.NewItemUID()
		} else {
			if err := q.verifyItem(item, nil); err != nil {
				return nil, len(q.items), err
			}
			if _, dup := seen[item.ItemUID]; dup {
				return nil, len(q.items), fmt.Errorf(
					"Item with UID '%s' is already in the queue", item.ItemUID)
			}
		}
		seen[item.ItemUID] = struct{}{}
		prepared = append(prepared, item)
	}

	newItems := append(q.copyQueue(), prepared...)
	if err := q.store.ReplaceQueue(newItems); err != nil {
		return nil, len(q.items), err
	}
	q.items = newItems
	for _, item := range prepared {
		q.uidIndex[item.ItemUID] = item
	}
	if len(prepared) > 0 {
		q.planQueueUID = uuid.New().String()
	}
	return prepared, len(q.items), nil
}

// ReplaceItem replaces the queue item identified by itemUID. The new item may
// keep the same UID (update in place) or carry a different one (re-key); an
// item without a UID is assigned a fresh one. Replacing the running item is
// rejected.
func (q *PlanQueue) ReplaceItem(item types.Item, itemUID string) (types.Item, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running != nil && q.running.ItemUID == itemUID {
		return types.Item{}, 0, fmt.Errorf(
			"Failed to replace item: Item with UID '%s' is currently running", itemUID)
	}
	index, err := q.indexByUID(itemUID)
	if err != nil {
		return types.Item{}, 0, fmt.Errorf(
			"Failed to replace item: Item with UID '%s' is not in the queue", itemUID)
	}

	item = item.Copy()
	if item.ItemUID == "" {
		item.ItemUID = q.NewItemUID()
	} else if err := q.verifyItem(item, []string{itemUID}); err != nil {
		return types.Item{}, 0, err
	}

	newItems := q.copyQueue()
	newItems[index] = item
	if err := q.store.ReplaceQueue(newItems); err != nil {
		return types.Item{}, 0, err
	}
	q.items = newItems
	delete(q.uidIndex, itemUID)
	q.uidIndex[item.ItemUID] = item
	q.planQueueUID = uuid.New().String()
	return item.Copy(), len(q.items), nil
}

// MoveOptions selects the source and destination for MoveItem. Exactly one of
// Pos/UID (source) and exactly one of DestPos/BeforeUID/AfterUID
// (destination) must be given.
type MoveOptions struct {
	Pos       interface{}
	UID       string
	DestPos   interface{}
	BeforeUID string
	AfterUID  string
}

// MoveItem moves a single queue item to a new position. Moving an item onto
// itself succeeds as a no-op and does not change the queue revision tag.
func (q *PlanQueue) MoveItem(opts MoveOptions) (types.Item, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	srcSpecified := 0
	if opts.Pos != nil {
		srcSpecified++
	}
	if opts.UID != "" {
		srcSpecified++
	}
	dstSpecified := 0
	if opts.DestPos != nil {
		dstSpecified++
	}
	if opts.BeforeUID != "" {
		dstSpecified++
	}
	if opts.AfterUID != "" {
		dstSpecified++
	}
	if srcSpecified > 1 || dstSpecified > 1 {
		return types.Item{}, 0, fmt.Errorf(
			"Ambiguous parameters: source and destination must be specified in exactly one way each")
	}
	if srcSpecified == 0 {
		return types.Item{}, 0, fmt.Errorf("Source position or UID is not specified")
	}
	if dstSpecified == 0 {
		return types.Item{}, 0, fmt.Errorf("Destination position or UID is not specified")
	}

	size := len(q.items)

	// Resolve the source index
	var src int
	if opts.UID != "" {
		n, err := q.indexByUID(opts.UID)
		if err != nil {
			return types.Item{}, 0, fmt.Errorf("Source plan (UID '%s') was not found", opts.UID)
		}
		src = n
	} else {
		idx, sym, err := normalizePos(opts.Pos)
		if err != nil {
			return types.Item{}, 0, err
		}
		n, err := q.resolveIndex(idx, sym)
		if err != nil {
			return types.Item{}, 0, fmt.Errorf("Source plan (position %v) was not found", opts.Pos)
		}
		src = n
	}
	item := q.items[src]

	// Moving an item relative to itself is a no-op
	if item.ItemUID == opts.BeforeUID || item.ItemUID == opts.AfterUID {
		return item.Copy(), size, nil
	}

	// Validate an integer destination position against the current queue
	if opts.DestPos != nil {
		idx, sym, err := normalizePos(opts.DestPos)
		if err != nil {
			return types.Item{}, 0, err
		}
		if sym == "" {
			n := idx
			if n < 0 {
				n += size
			}
			if n < 0 || n >= size {
				return types.Item{}, 0, fmt.Errorf(
					"Destination plan (position %v) was not found", opts.DestPos)
			}
		}
	}

	removed := make([]types.Item, 0, size-1)
	removed = append(removed, q.items[:src]...)
	removed = append(removed, q.items[src+1:]...)

	// Resolve the destination index in the queue with the item removed
	var dst int
	switch {
	case opts.BeforeUID != "" || opts.AfterUID != "":
		uid := opts.BeforeUID
		after := false
		if opts.AfterUID != "" {
			uid = opts.AfterUID
			after = true
		}
		n := -1
		for i, it := range removed {
			if it.ItemUID == uid {
				n = i
				break
			}
		}
		if n < 0 {
			return types.Item{}, 0, fmt.Errorf("Destination plan (UID '%s') was not found", uid)
		}
		dst = n
		if after {
			dst = n + 1
		}
	default:
		idx, sym, _ := normalizePos(opts.DestPos)
		switch sym {
		case PosFront:
			dst = 0
		case PosBack:
			dst = len(removed)
		default:
			n := idx
			if n < 0 {
				n += size
			}
			if n > len(removed) {
				n = len(removed)
			}
			dst = n
		}
	}

	newItems := make([]types.Item, 0, size)
	newItems = append(newItems, removed[:dst]...)
	newItems = append(newItems, item)
	newItems = append(newItems, removed[dst:]...)

	// A move that does not change the order is a no-op and must not bump
	// the revision tag
	same := true
	for i := range newItems {
		if newItems[i].ItemUID != q.items[i].ItemUID {
			same = false
			break
		}
	}
	if same {
		return item.Copy(), size, nil
	}

	if err := q.store.ReplaceQueue(newItems); err != nil {
		return types.Item{}, 0, err
	}
	q.items = newItems
	q.planQueueUID = uuid.New().String()
	return item.Copy(), size, nil
}

// PopItemFromQueue removes and returns the item at the given position or with
// the given UID. Removing the running item is rejected.
func (q *PlanQueue) PopItemFromQueue(pos interface{}, uid string) (types.Item, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if pos != nil && uid != "" {
		return types.Item{}, 0, fmt.Errorf(
			"Ambiguous parameters: both position and UID are specified")
	}

	var index int
	if uid != "" {
		if q.running != nil && q.running.ItemUID == uid {
			return types.Item{}, 0, fmt.Errorf("Can not remove an item which is currently running")
		}
		n, err := q.indexByUID(uid)
		if err != nil {
			return types.Item{}, 0, fmt.Errorf("Plan with UID '%s' is not in the queue", uid)
		}
		index = n
	} else {
		p := pos
		if p == nil {
			p = PosBack
		}
		idx, sym, err := normalizePos(p)
		if err != nil {
			return types.Item{}, 0, err
		}
		n, err := q.resolveIndex(idx, sym)
		if err != nil {
			return types.Item{}, 0, err
		}
		index = n
	}

	item := q.items[index]
	newItems := make([]types.Item, 0, len(q.items)-1)
	newItems = append(newItems, q.items[:index]...)
	newItems = append(newItems, q.items[index+1:]...)

	if err := q.store.ReplaceQueue(newItems); err != nil {
		return types.Item{}, 0, err
	}
	q.items = newItems
	delete(q.uidIndex, item.ItemUID)
	q.planQueueUID = uuid.New().String()
	return item.Copy(), len(q.items), nil
}

// GetItem returns the item at the given position or with the given UID
// without removing it. Requesting the running item is an error.
func (q *PlanQueue) GetItem(pos interface{}, uid string) (types.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if pos != nil && uid != "" {
		return types.Item{}, fmt.Errorf("Ambiguous parameters: both position and UID are specified")
	}

	if uid != "" {
		if q.running != nil && q.running.ItemUID == uid {
			return types.Item{}, fmt.Errorf("The plan with UID '%s' is currently running", uid)
		}
		n, err := q.indexByUID(uid)
		if err != nil {
			return types.Item{}, fmt.Errorf("Plan with UID '%s' is not in the queue", uid)
		}
		return q.items[n].Copy(), nil
	}

	p := pos
	if p == nil {
		p = PosBack
	}
	idx, sym, err := normalizePos(p)
	if err != nil {
		return types.Item{}, err
	}
	n, err := q.resolveIndex(idx, sym)
	if err != nil {
		return types.Item{}, err
	}
	return q.items[n].Copy(), nil
}

// ClearQueue empties the queue. The running slot and the history are not
// touched.
func (q *PlanQueue) ClearQueue() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.ReplaceQueue(nil); err != nil {
		return err
	}
	for _, item := range q.items {
		delete(q.uidIndex, item.ItemUID)
	}
	q.items = nil
	q.planQueueUID = uuid.New().String()
	return nil
}

// ClearHistory removes all history entries
func (q *PlanQueue) ClearHistory() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.ClearHistory(); err != nil {
		return err
	}
	q.historySize = 0
	q.planHistoryUID = uuid.New().String()
	return nil
}

// SetNextItemAsRunning pops the front item and places it in the running slot.
// Returns nil without any state change if the queue is empty or an item is
// already running.
func (q *PlanQueue) SetNextItemAsRunning() (*types.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running != nil || len(q.items) == 0 {
		return nil, nil
	}

	item := q.items[0]
	newItems := make([]types.Item, len(q.items)-1)
	copy(newItems, q.items[1:])

	if err := q.store.SetRunningItem(item); err != nil {
		return nil, err
	}
	if err := q.store.ReplaceQueue(newItems); err != nil {
		return nil, err
	}
	q.items = newItems
	running := item.Copy()
	q.running = &running
	// The item stays in the UID index while it is running
	q.planQueueUID = uuid.New().String()
	cp := item.Copy()
	return &cp, nil
}

// SetProcessedItemAsCompleted moves the running item to the history with the
// given result. Returns nil without any state change if nothing is running.
func (q *PlanQueue) SetProcessedItemAsCompleted(exitStatus types.ExitStatus, runUIDs []string) (*types.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running == nil {
		return nil, nil
	}

	item := q.running.Copy()
	item.Result = &types.Result{ExitStatus: exitStatus, RunUIDs: runUIDs}

	if err := q.store.AppendHistory(item); err != nil {
		return nil, err
	}
	if err := q.store.ClearRunningItem(); err != nil {
		return nil, err
	}
	delete(q.uidIndex, item.ItemUID)
	q.running = nil
	q.historySize++
	q.planQueueUID = uuid.New().String()
	q.planHistoryUID = uuid.New().String()
	cp := item.Copy()
	return &cp, nil
}

// SetProcessedItemAsStopped records the running item in the history with the
// given result and pushes a copy back to the front of the queue, so that
// restarting the queue re-attempts the item. Returns nil without any state
// change if nothing is running.
func (q *PlanQueue) SetProcessedItemAsStopped(exitStatus types.ExitStatus, runUIDs []string) (*types.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running == nil {
		return nil, nil
	}

	item := q.running.Copy()
	item.Result = &types.Result{ExitStatus: exitStatus, RunUIDs: runUIDs}

	if err := q.store.AppendHistory(item); err != nil {
		return nil, err
	}

	newItems := make([]types.Item, 0, len(q.items)+1)
	newItems = append(newItems, item.Copy())
	newItems = append(newItems, q.items...)
	if err := q.store.ReplaceQueue(newItems); err != nil {
		return nil, err
	}
	if err := q.store.ClearRunningItem(); err != nil {
		return nil, err
	}
	q.items = newItems
	q.uidIndex[item.ItemUID] = item.Copy()
	q.running = nil
	q.historySize++
	q.planQueueUID = uuid.New().String()
	q.planHistoryUID = uuid.New().String()
	cp := item.Copy()
	return &cp, nil
}

// UIDIndexSize returns the number of entries in the UID index (queue items
// plus the running item)
func (q *PlanQueue) UIDIndexSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.uidIndex)
}

// IsUIDInIndex reports whether the UID belongs to a queue item or the running
// item
func (q *PlanQueue) IsUIDInIndex(uid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.uidIndex[uid]
	return ok
}

// DeletePoolEntries wipes all durable and in-memory state. Test hook.
func (q *PlanQueue) DeletePoolEntries() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Wipe(); err != nil {
		return err
	}
	q.items = nil
	q.running = nil
	q.uidIndex = make(map[string]types.Item)
	q.historySize = 0
	q.planQueueUID = uuid.New().String()
	q.planHistoryUID = uuid.New().String()
	return nil
}
