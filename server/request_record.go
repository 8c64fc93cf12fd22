package server

import (
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/escrow-endpoint/database"
	"github.com/flashbots/escrow-endpoint/utils"
)

type requestRecord struct {
	requestEntry *database.RequestEntry
	db           database.Store
	mutex        sync.Mutex
}

func NewRequestRecord(db database.Store) *requestRecord {
	return &requestRecord{
		requestEntry: &database.RequestEntry{},
		db:           db,
	}
}

func (r *requestRecord) UpdateRequestEntry(req *http.Request, reqStatus int, error string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.requestEntry.HttpMethod = req.Method
	r.requestEntry.IpHash = GetIPHash(req)
	r.requestEntry.Error = error
	r.requestEntry.HttpUrl = req.URL.Path
	r.requestEntry.HttpResponseStatus = reqStatus
	r.requestEntry.Origin = req.Header.Get("Origin")
	r.requestEntry.Host = req.Host
}

func (r *requestRecord) SetCaller(caller *common.Address) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.requestEntry.Caller = utils.AddressPtrToStr(caller)
}

func (r *requestRecord) SetBatch(numRequests int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.requestEntry.IsBatchRequest = true
	r.requestEntry.NumRequestInBatch = numRequests
}

func (r *requestRecord) SaveRequestEntryToDB() error {
	r.mutex.Lock()
	entry := *r.requestEntry
	r.mutex.Unlock()
	return r.db.SaveRequestEntry(&entry)
}

// GetIPHash returns the hourly rotating client fingerprint, or an empty string.
func GetIPHash(req *http.Request) string {
	fingerprint, err := FingerprintFromRequest(req, Now())
	if err != nil {
		return ""
	}
	return fingerprint.String()
}
