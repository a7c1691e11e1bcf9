package cloud

import (
	"encoding/json"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/devhub/log2"
	"github.com/temoto/spq"
)

// denote value type in persistent queue bytes form
const qTelemetry byte = 2

type outboxRecord struct {
	Payload json.RawMessage `json:"payload"`
	Created string          `json:"created,omitempty"`
}

// Outbox keeps telemetry that hub did not accept until next authenticated session.
// Push is safe for concurrent use, Replay belongs to reactor goroutine.
//
// Background worker peeks queue head and offers it to Replay,
// head is deleted only after successful send.
type Outbox struct {
	log   *log2.Log
	q     *spq.Queue
	alive *alive.Alive
	ready chan spq.Box
	done  chan bool
}

// OpenOutbox path=spq.OnlyForTesting keeps queue in memory.
func OpenOutbox(log *log2.Log, path string) (*Outbox, error) {
	if path == "" {
		return nil, errors.NotValidf("outbox path empty")
	}
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "outbox open path=%s", path)
	}
	o := &Outbox{
		log:   log,
		q:     q,
		alive: alive.NewAlive(),
		ready: make(chan spq.Box),
		done:  make(chan bool),
	}
	o.alive.Add(1)
	go o.worker()
	return o, nil
}

func (o *Outbox) Push(payload []byte, created string) error {
	b, err := json.Marshal(outboxRecord{Payload: payload, Created: created})
	if err != nil {
		return errors.Annotate(err, "outbox push")
	}
	buf := make([]byte, 0, 1+len(b))
	buf = append(buf, qTelemetry)
	buf = append(buf, b...)
	return errors.Annotate(o.q.Push(buf), "outbox push")
}

// Replay calls send for queued records while they are available and send succeeds.
// Never blocks on empty queue. Returns number of records delivered to send.
func (o *Outbox) Replay(send func(payload []byte, created string) error) int {
	n := 0
	for {
		select {
		case box := <-o.ready:
			b := box.Bytes()
			var r outboxRecord
			if err := decodeRecord(b, &r); err != nil {
				o.log.Errorf("cloud: outbox drop b=%x err=%v", b, err)
				o.done <- true
				continue
			}
			err := send(r.Payload, r.Created)
			o.done <- err == nil
			if err != nil {
				return n
			}
			n++
		default:
			return n
		}
	}
}

func (o *Outbox) Close() {
	o.alive.Stop()
	o.q.Close()
	o.alive.Wait()
}

func decodeRecord(b []byte, r *outboxRecord) error {
	if len(b) == 0 {
		return errors.NotValidf("outbox record empty")
	}
	if b[0] != qTelemetry {
		return errors.NotValidf("outbox record kind=%d", b[0])
	}
	return json.Unmarshal(b[1:], r)
}

func (o *Outbox) worker() {
	defer o.alive.Done()
	stopch := o.alive.StopChan()
	for {
		box, err := o.q.Peek()
		switch err {
		case nil:
			select {
			case o.ready <- box:
			case <-stopch:
				return
			}
			var del bool
			select {
			case del = <-o.done:
			case <-stopch:
				return
			}
			if del {
				if err = o.q.Delete(box); err != nil {
					o.log.Errorf("cloud: outbox delete err=%v", err)
				}
			}

		case spq.ErrClosed:
			select {
			case <-stopch: // success path
			default:
				o.log.Errorf("CRITICAL cloud outbox spq closed unexpectedly")
			}
			return

		default:
			o.log.Errorf("CRITICAL cloud outbox spq err=%v", err)
			select {
			case <-stopch:
				return
			default:
			}
		}
	}
}
