package media

// DRMInitData is the init data of one protection system, found either in a
// manifest descriptor or in a pssh box of the init segment.
type DRMInitData struct {
	SystemID   []byte
	InitData   []byte
	KeyIDs     [][]byte
	StreamType StreamType
}

// DRMDescription points the licence acquisition at a server for one scheme.
type DRMDescription struct {
	Scheme     string
	LicenceURL string
	StreamType StreamType
}

// StreamDescription describes one selectable stream for track selection UIs.
type StreamDescription struct {
	ID          int
	Description string
	StreamType  StreamType
	Default     bool
}
