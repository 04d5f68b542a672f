package iso

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	memdb "github.com/hashicorp/go-memdb"
)

// imageIDNamespace keeps derived image IDs stable across releases. The value
// is never shown to users but must not change: the same image path has to
// yield the same ID so mount records survive restarts.
const imageIDNamespace = "nodeagent-iso-v1"

// DeriveImageID deterministically derives an image ID from the image's
// absolute path. The ID is the idempotency key for mounts: mounting the same
// path twice converges on the same record.
func DeriveImageID(path string) string {
	h := sha256.Sum256([]byte(imageIDNamespace + ":" + path))
	return "img_" + hex.EncodeToString(h[:8])
}

// Image describes one discovered installer image.
type Image struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Label     string    `json:"label"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

var catalogSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"images": {
			Name: "images",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"path": {
					Name:    "path",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Path"},
				},
			},
		},
	},
}

// Catalog is the queryable index of discovered images. A rescan replaces the
// whole database, so readers always see one consistent scan's result set.
type Catalog struct {
	mu sync.RWMutex
	db *memdb.MemDB
}

func NewCatalog() (*Catalog, error) {
	db, err := memdb.NewMemDB(catalogSchema)
	if err != nil {
		return nil, fmt.Errorf("building image catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Replace swaps in a fresh database holding exactly the given images.
func (c *Catalog) Replace(images []Image) error {
	db, err := memdb.NewMemDB(catalogSchema)
	if err != nil {
		return err
	}
	txn := db.Txn(true)
	for i := range images {
		img := images[i]
		if err := txn.Insert("images", &img); err != nil {
			txn.Abort()
			return fmt.Errorf("indexing %s: %w", img.Path, err)
		}
	}
	txn.Commit()

	c.mu.Lock()
	c.db = db
	c.mu.Unlock()
	return nil
}

// Get looks an image up by ID.
func (c *Catalog) Get(id string) (Image, bool) {
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()

	txn := db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("images", "id", id)
	if err != nil || raw == nil {
		return Image{}, false
	}
	return *raw.(*Image), true
}

// List returns all images ordered by path.
func (c *Catalog) List() []Image {
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()

	txn := db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("images", "id")
	if err != nil {
		return nil
	}
	var images []Image
	for raw := it.Next(); raw != nil; raw = it.Next() {
		images = append(images, *raw.(*Image))
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Path < images[j].Path })
	return images
}
