package sessionstore

// NullStore satisfies Store but performs no I/O. Used in tests where
// persistence behavior is out of scope.
type NullStore struct{}

func (NullStore) SaveMeta(string, *Meta)                {}
func (NullStore) SaveState(string, *State)              {}
func (NullStore) SaveHistory(string, []HistoryEntry)    {}
func (NullStore) Load(string) (*Snapshot, bool)         { return nil, false }
func (NullStore) LoadAll() []*Snapshot                  { return nil }
func (NullStore) Remove(string) error                   { return nil }
func (NullStore) Flush()                                {}
