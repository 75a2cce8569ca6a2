// Package checkpoint stores the state of a running optimization in a
// bolt database, so an interrupted fit can be resumed.
package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/op/go-logging"

	bolt "go.etcd.io/bbolt"
)

// log is the global logging variable.
var log = logging.MustGetLogger("checkpoint")

// MAIN is the bucket name for all checkpoints.
var MAIN = []byte("main")

// Data is the saved optimizer state.
type Data struct {
	// Method is the optimizer name (e.g. "meanfield").
	Method string `json:"method"`
	// Dim is the dimension of the unconstrained space.
	Dim int `json:"dim"`
	// Iter is the number of iterations done.
	Iter int `json:"iter"`
	// Eta is the step size scale in use.
	Eta float64 `json:"eta"`
	// Params are the variational parameters.
	Params []float64 `json:"params"`
	// StepS are the step size accumulators.
	StepS []float64 `json:"stepS,omitempty"`
	// Objective is the last evaluated objective (ELBO).
	Objective float64 `json:"objective"`
	// Best is the mean with the highest evaluated objective.
	Best []float64 `json:"best,omitempty"`
	// BestObjective is the objective of Best.
	BestObjective float64 `json:"bestObjective"`
	// Final is true if the optimization has finished.
	Final bool `json:"final"`
	// Converged is true if a finished optimization met the
	// convergence criterion.
	Converged bool `json:"converged,omitempty"`
	// Reason is the termination reason of a finished optimization.
	Reason string `json:"reason,omitempty"`
}

// IO saves and loads checkpoints under a key.
type IO struct {
	db      *bolt.DB
	key     []byte
	last    time.Time
	seconds float64
}

// Open opens (or creates) a checkpoint database.
func Open(path string) (*bolt.DB, error) {
	return bolt.Open(path, 0666, &bolt.Options{Timeout: time.Second})
}

// NewIO creates a new IO. Saves requested with Old() are done at most
// once per the given number of seconds.
func NewIO(db *bolt.DB, key []byte, seconds float64) *IO {
	return &IO{
		db:      db,
		key:     key,
		seconds: seconds,
	}
}

// Key returns the checkpoint key.
func (s *IO) Key() string {
	return string(s.key)
}

// Save saves checkpoint to the database.
func (s *IO) Save(data *Data) error {
	// Even if saving fails, we do not want to run this code too often.
	s.SetNow()
	dataB, err := json.Marshal(data)
	if err != nil {
		log.Error("Error serializing checkpoint", err)
		return err
	}
	err = SaveData(s.db, s.key, dataB)
	if err != nil {
		log.Error("Error saving checkpoint", err)
	}
	return err
}

// Load returns the checkpoint data or nil if there is no checkpoint.
func (s *IO) Load() (*Data, error) {
	b, err := LoadData(s.db, s.key)
	if err != nil || b == nil {
		return nil, err
	}

	var data *Data
	if err = json.Unmarshal(b, &data); err != nil {
		return nil, err
	}
	if data == nil || len(data.Params) == 0 {
		return nil, nil
	}

	if data.Final {
		log.Noticef("Found finished optimization checkpoint (iter=%v, objective=%v)", data.Iter, data.Objective)
	} else {
		log.Noticef("Found unfinished optimization checkpoint (iter=%v, objective=%v)", data.Iter, data.Objective)
	}
	return data, nil
}

// Old returns true if last checkpoint save time too long ago.
func (s *IO) Old() bool {
	return time.Since(s.last).Seconds() > s.seconds
}

// SetNow sets last checkpoint time to now.
func (s *IO) SetNow() {
	s.last = time.Now()
}

// SaveData saves values in bolt database.
func SaveData(db *bolt.DB, key []byte, data []byte) error {
	if db == nil {
		return nil
	}
	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(MAIN)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// LoadData loads data from bolt database.
func LoadData(db *bolt.DB, key []byte) ([]byte, error) {
	var data []byte
	if db == nil {
		return nil, nil
	}
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(MAIN)
		if b == nil {
			return nil
		}
		// v is only valid during the transaction
		if v := b.Get(key); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
