package store

import "os"

// fsyncDir fsyncs a directory's metadata, required after creating,
// renaming, or unlinking files in it so the change survives a crash
// (spec.md §4.1 "directory fsync discipline").
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
