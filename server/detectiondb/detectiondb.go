package detectiondb

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/gesturenode/pkg/dbh"
	"github.com/cyclopcam/gesturenode/pkg/graph"
	"github.com/cyclopcam/gesturenode/pkg/nn"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

var ErrClosed = errors.New("Detection DB is closed")

const (
	queueSize     = 1024            // Records that may be waiting for the write thread before Add starts dropping
	maxBatchSize  = 256             // Write immediately once this many records are pending
	flushInterval = 1 * time.Second // Maximum time that a record waits before being written
	dropLogPeriod = 15 * time.Second
)

// Record is a single emitted detection
type Record struct {
	ID        int64   `gorm:"primaryKey" json:"id"`
	Timestamp int64   `json:"timestamp"` // Microseconds, the stream timestamp of the frame
	Label     int     `json:"label"`
	Score     float32 `json:"score"`
	Class     string  `json:"class,omitempty"` // Class name, if known
}

func (Record) TableName() string {
	return "detection"
}

// MakeRecord converts the first (label, score) of a detection into a Record
func MakeRecord(ts graph.Timestamp, det *nn.Detection) (Record, bool) {
	d, ok := det.Decision()
	if !ok {
		return Record{}, false
	}
	r := Record{
		Timestamp: int64(ts),
		Label:     d.Label,
		Score:     d.Score,
	}
	if len(det.Label) != 0 {
		r.Class = det.Label[0]
	}
	return r, true
}

// DetectionDB persists the detections emitted by a node.
// Writes are queued, and performed in batches by a background thread, so that
// a slow database never stalls the frame pipeline.
type DetectionDB struct {
	log logs.Log
	db  *gorm.DB

	incoming          chan Record
	flushRequest      chan chan error
	shutdown          chan bool // Closed when it's time to shutdown
	writeThreadClosed chan bool // The write thread closes this channel when it exits
	closeOnce         sync.Once

	dropped  atomic.Int64
	dropLock sync.Mutex
	lastDrop time.Time
}

// Open or create a detection DB
func Open(log logs.Log, dbc dbh.DBConfig, flags dbh.DBConnectFlags) (*DetectionDB, error) {
	log.Infof("Opening detection DB (%v)", dbc.LogSafeDescription())
	db, err := dbh.OpenDB(log, dbc, Migrations(log, dbc.Driver), flags)
	if err != nil {
		return nil, fmt.Errorf("Failed to open detection database: %w", err)
	}
	self := &DetectionDB{
		log:               log,
		db:                db,
		incoming:          make(chan Record, queueSize),
		flushRequest:      make(chan chan error),
		shutdown:          make(chan bool),
		writeThreadClosed: make(chan bool),
	}
	go self.writeThread()
	return self, nil
}

// Close flushes all queued records, and closes the database
func (d *DetectionDB) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.shutdown)
		d.log.Infof("Waiting for detection write thread to exit")
		<-d.writeThreadClosed
		if sqlDB, e := d.db.DB(); e == nil {
			err = sqlDB.Close()
		}
	})
	return err
}

// Add queues a record for writing. If the write queue is full, the record is dropped.
func (d *DetectionDB) Add(r Record) {
	select {
	case <-d.shutdown:
		return
	default:
	}
	select {
	case d.incoming <- r:
	default:
		d.dropped.Add(1)
		d.dropLock.Lock()
		if time.Since(d.lastDrop) > dropLogPeriod {
			d.log.Warnf("Detection write queue is full. %v records dropped so far", d.dropped.Load())
			d.lastDrop = time.Now()
		}
		d.dropLock.Unlock()
	}
}

// Dropped returns the number of records that were discarded because the write queue was full
func (d *DetectionDB) Dropped() int64 {
	return d.dropped.Load()
}

// OnEvent receives the output packets of a graph.Runner
func (d *DetectionDB) OnEvent(p graph.OutputPacket) {
	detections, ok := p.Packet.Payload.([]nn.Detection)
	if !ok {
		return
	}
	for i := range detections {
		if r, ok := MakeRecord(p.Packet.Timestamp, &detections[i]); ok {
			d.Add(r)
		}
	}
}

// Flush blocks until every record that was added before the call has been written
func (d *DetectionDB) Flush() error {
	done := make(chan error, 1)
	select {
	case d.flushRequest <- done:
		return <-done
	case <-d.writeThreadClosed:
		return ErrClosed
	}
}

// Latest returns up to n of the most recent records, newest first
func (d *DetectionDB) Latest(n int) ([]Record, error) {
	records := []Record{}
	err := d.db.Order("timestamp DESC, id DESC").Limit(n).Find(&records).Error
	return records, err
}

// Range returns all records with from <= timestamp <= to, oldest first
func (d *DetectionDB) Range(from, to graph.Timestamp) ([]Record, error) {
	records := []Record{}
	err := d.db.Where("timestamp >= ? AND timestamp <= ?", int64(from), int64(to)).Order("timestamp, id").Find(&records).Error
	return records, err
}

func (d *DetectionDB) writeThread() {
	d.log.Infof("Detection write thread starting")
	pending := []Record{}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	write := func() error {
		if len(pending) == 0 {
			return nil
		}
		err := d.db.CreateInBatches(pending, maxBatchSize).Error
		if err != nil {
			d.log.Errorf("Failed to write %v detections: %v", len(pending), err)
		}
		pending = pending[:0]
		return err
	}

	// Move everything that is already queued into pending
	drain := func() {
		for {
			select {
			case r := <-d.incoming:
				pending = append(pending, r)
			default:
				return
			}
		}
	}

	keepRunning := true
	for keepRunning {
		select {
		case <-d.shutdown:
			keepRunning = false
		case r := <-d.incoming:
			pending = append(pending, r)
			if len(pending) >= maxBatchSize {
				write()
			}
		case <-ticker.C:
			write()
		case done := <-d.flushRequest:
			drain()
			done <- write()
		}
	}
	drain()
	d.log.Infof("Flushing %v detections", len(pending))
	write()
	d.log.Infof("Detection write thread exiting")
	close(d.writeThreadClosed)
}
