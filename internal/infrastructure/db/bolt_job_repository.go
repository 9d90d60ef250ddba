package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/flowcanvas/companion/internal/domain"
	"github.com/flowcanvas/companion/internal/infrastructure/logger"
	bolt "go.etcd.io/bbolt"
)

const installJobsBucket = "install_jobs"

var ErrBoltNotOpen = errors.New("bolt: store not open")

// boltJobRepository keeps install jobs in a single-file embedded database next to the
// companion, for setups without postgres.
type boltJobRepository struct {
	path string
	db   *bolt.DB
	log  *logger.Logger
}

// OpenBoltJobRepository opens (creating when missing) the job database at path. The file is
// locked by bolt for the lifetime of the repository.
func OpenBoltJobRepository(path string, log *logger.Logger) (ports.JobRepository, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open job store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(installJobsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltJobRepository{path: path, db: db, log: log}, nil
}

func (r *boltJobRepository) Save(_ context.Context, job *domain.InstallJob) error {
	if r.db == nil {
		return ErrBoltNotOpen
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(installJobsBucket)).Put([]byte(job.ID), data)
	})
	if err != nil {
		r.log.Errorw("job_repo_save_failed", "job_id", job.ID, "status", job.Status, "error", err)
	}
	return err
}

func (r *boltJobRepository) GetAll(_ context.Context) ([]*domain.InstallJob, error) {
	var out []*domain.InstallJob
	if r.db == nil {
		return out, nil
	}
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(installJobsBucket)).ForEach(func(k, v []byte) error {
			var job domain.InstallJob
			if err := json.Unmarshal(v, &job); err != nil {
				r.log.Warnw("job_repo_skip_corrupt", "key", string(k), "error", err)
				return nil
			}
			out = append(out, &job)
			return nil
		})
	})
	if err != nil {
		r.log.Errorw("job_repo_get_all_failed", "error", err)
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *boltJobRepository) Delete(_ context.Context, id string) error {
	if r.db == nil {
		return ErrBoltNotOpen
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(installJobsBucket)).Delete([]byte(id))
	})
}

func (r *boltJobRepository) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}
