package sink

import (
	"fmt"

	"streamsink/internal/domain"
)

// FormatTuple renders one committed update as the observable output form
// (value, previousValue, previousTimestamp). The previous fields are unknown
// at write time; the sink of record resolves them, so the writer emits the
// empty markers.
func FormatTuple(rec domain.Record) string {
	return fmt.Sprintf("(%d,null,%d)", rec.Value, domain.NoTimestamp)
}

// TupleWriter buffers one tuple string per record and emits one committable
// per buffered record at every flush. Sequence numbers restart per
// checkpoint, which keeps commit ids deterministic under replay.
type TupleWriter struct {
	producerID int
	buf        []string
}

func NewTupleWriter(producerID int) *TupleWriter {
	return &TupleWriter{producerID: producerID}
}

func (w *TupleWriter) Write(rec domain.Record) error {
	w.buf = append(w.buf, FormatTuple(rec))
	return nil
}

func (w *TupleWriter) Flush(id domain.CheckpointID) ([]domain.Committable, error) {
	if len(w.buf) == 0 {
		return nil, nil
	}
	out := make([]domain.Committable, 0, len(w.buf))
	for i, s := range w.buf {
		out = append(out, domain.Committable{
			ProducerID:   w.producerID,
			CheckpointID: id,
			SequenceNo:   i,
			Payload:      []byte(s),
		})
	}
	w.buf = nil
	return out, nil
}
