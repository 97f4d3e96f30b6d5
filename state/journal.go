package state

import (
	"encoding/json"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
	"github.com/tubnet/tubnet/log2"
)

// JournalRecord is written right before the process honors a restart
// request and read back on the next boot. Survives power loss, that is
// the whole point of extremofile.
type JournalRecord struct {
	Reason          string `json:"reason"`
	TimestampUS     uint64 `json:"timestamp_us"`
	WirelessRetries int    `json:"wireless_retries"`
	MessagesSent    uint32 `json:"messages_sent"`
}

type journalStorage interface {
	Read() ([]byte, error)
	Write(b []byte) (int, error)
}

type Journal struct {
	log     *log2.Log
	storage journalStorage
}

func NewJournal(root string, log *log2.Log) *Journal {
	return &Journal{
		log: log,
		storage: extremofile.New(extremofile.Config{
			Dir:      filepath.Join(root, "journal"),
			DirPerm:  0755,
			FilePerm: 0644,
		}),
	}
}

// Load returns nil,nil on first boot.
func (j *Journal) Load() (*JournalRecord, error) {
	b, err := j.storage.Read()
	if err != nil {
		if extremofile.IsCritical(err) {
			return nil, errors.Annotate(err, "journal read")
		}
		if extremofile.IsCorrupt(err) {
			j.log.Errorf("journal corrupt, dropping err=%v", err)
			return nil, nil
		}
		// first boot: nothing stored yet
	}
	if len(b) == 0 {
		return nil, nil
	}
	r := &JournalRecord{}
	if err := json.Unmarshal(b, r); err != nil {
		// stale garbage is not worth failing boot
		j.log.Errorf("journal unmarshal b=%q err=%v", b, err)
		return nil, nil
	}
	return r, nil
}

func (j *Journal) Store(r JournalRecord) error {
	b, err := json.Marshal(&r)
	if err != nil {
		return errors.Annotate(err, "journal marshal")
	}
	if _, err = j.storage.Write(b); err != nil {
		return errors.Annotate(err, "journal write")
	}
	return nil
}
