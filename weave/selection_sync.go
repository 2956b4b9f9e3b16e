package weave

// broadcasts the single shared active-selection slot. this is a
// spotlight, not per-user cursors: only one object is the active
// selection for the whole document at a time.

const (
	selectionActiveKey     = "active"
	selectionSelectedByKey = "selectedBy"
	selectionSelectedAtKey = "selectedAt"
)

type Selection struct {
	Active     string `json:"active,omitempty"`
	SelectedBy Id     `json:"selectedBy,omitempty"`
	SelectedAt Millis `json:"selectedAt,omitempty"`
}

type SelectionFunction func(selection Selection)

type SelectionSync struct {
	store ReplicatedStore
}

func NewSelectionSync(store ReplicatedStore) *SelectionSync {
	return &SelectionSync{
		store: store,
	}
}

// overwrites the shared slot with the caller as owner
func (self *SelectionSync) Select(objectId string) {
	self.store.Set(RegionSelection, selectionActiveKey, objectId)
	self.store.Set(RegionSelection, selectionSelectedByKey, self.store.ClientId())
	self.store.Set(RegionSelection, selectionSelectedAtKey, NowMillis())
	appendHistory(self.store, ActionSelectionChange, selectionPayload{
		Id: objectId,
	})
}

func (self *SelectionSync) ClearSelection() {
	self.store.Delete(RegionSelection, selectionActiveKey)
	self.store.Delete(RegionSelection, selectionSelectedByKey)
	appendHistory(self.store, ActionSelectionClear, nil)
}

// replays the current value immediately, then on every change. the
// returned function unsubscribes.
func (self *SelectionSync) ObserveSelection(callback SelectionFunction) func() {
	callback(self.snapshot())
	return self.store.Observe(RegionSelection, func(event RegionEvent) {
		callback(self.snapshot())
	})
}

func (self *SelectionSync) SelectedObject() (string, bool) {
	value, ok := self.store.Get(RegionSelection, selectionActiveKey)
	if !ok {
		return "", false
	}
	return CoerceValue[string](value)
}

func (self *SelectionSync) SelectedBy() (Id, bool) {
	value, ok := self.store.Get(RegionSelection, selectionSelectedByKey)
	if !ok {
		return Id{}, false
	}
	return CoerceValue[Id](value)
}

func (self *SelectionSync) snapshot() Selection {
	selection := Selection{}
	if active, ok := self.SelectedObject(); ok {
		selection.Active = active
	}
	if selectedBy, ok := self.SelectedBy(); ok {
		selection.SelectedBy = selectedBy
	}
	if value, ok := self.store.Get(RegionSelection, selectionSelectedAtKey); ok {
		if selectedAt, ok := CoerceValue[Millis](value); ok {
			selection.SelectedAt = selectedAt
		}
	}
	return selection
}

type selectionPayload struct {
	Id string `json:"id"`
}
