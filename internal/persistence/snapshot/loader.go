package snapshot

import "buildcraft.ai/internal/sim/model"

// Loader restores room state from the newest snapshot in Dir. It is the
// relay's state store when no database is configured; object writes are
// covered by the periodic snapshots, so PutObject and DeleteObject do nothing.
type Loader struct {
	Dir string
}

func (l Loader) LoadRoom(room string) ([]model.BuildObject, error) {
	path, err := Latest(l.Dir, room)
	if err != nil || path == "" {
		return nil, err
	}
	snap, err := Read(path)
	if err != nil {
		return nil, err
	}
	return snap.Objects, nil
}

func (Loader) PutObject(string, model.BuildObject) {}
func (Loader) DeleteObject(string, string)         {}
