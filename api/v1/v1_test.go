package v1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/waveyops/ledgerwatch/api/common"
	ledgerCommon "github.com/waveyops/ledgerwatch/common"
	"github.com/waveyops/ledgerwatch/log"
)

type fakeStore struct {
	streams   *StreamStatusList
	proposals []Proposal
	err       error

	gotStatus     string
	gotPagination common.Pagination
}

func (f *fakeStore) Streams(context.Context) (*StreamStatusList, error) {
	return f.streams, f.err
}

func (f *fakeStore) Proposals(_ context.Context, status string, p common.Pagination) (*ProposalList, error) {
	f.gotStatus = status
	f.gotPagination = p
	if f.err != nil {
		return nil, f.err
	}
	list := &ProposalList{Proposals: []Proposal{}}
	for _, pr := range f.proposals {
		if status == "" || pr.Status == status {
			list.Proposals = append(list.Proposals, pr)
		}
	}
	return list, nil
}

func serve(t *testing.T, store StatusStore, target string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	NewHandler(store, log.NewNopLogger()).RegisterRoutes(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestListStreams(t *testing.T) {
	watermark := uint64(19_999_999)
	store := &fakeStore{streams: &StreamStatusList{Streams: []StreamStatus{
		{
			StreamID:  "harvests:0x0000000000000000000000000000000000000001",
			Analyzer:  "harvests",
			Cursor:    20_000_000,
			Height:    20_000_009,
			Lag:       10,
			Watermark: &watermark,
			UpdatedAt: time.Unix(1_700_000_000, 0).UTC(),
		},
	}}}

	w := serve(t, store, "/v1/streams")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("content-type"))

	var got StreamStatusList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Streams, 1)
	require.Equal(t, uint64(10), got.Streams[0].Lag)
	require.Equal(t, uint64(20_000_000), got.Streams[0].Cursor)
	require.Equal(t, watermark, *got.Streams[0].Watermark)
}

func TestListStreamsStorageError(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}

	w := serve(t, store, "/v1/streams")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.JSONEq(t, `{"msg":"internal storage error"}`, w.Body.String())
}

func TestListProposals(t *testing.T) {
	store := &fakeStore{proposals: []Proposal{
		{ID: 2, Status: "open", YesVotes: ledgerCommon.NewBigInt(500)},
		{ID: 1, Status: "executed"},
	}}

	w := serve(t, store, "/v1/proposals?status=open&limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "open", store.gotStatus)
	require.Equal(t, uint64(5), store.gotPagination.Limit)

	var got ProposalList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Proposals, 1)
	require.Equal(t, uint64(2), got.Proposals[0].ID)
	require.Equal(t, "500", got.Proposals[0].YesVotes.String())

	w = serve(t, store, "/v1/proposals")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "", store.gotStatus)
	require.Equal(t, common.DefaultLimit, store.gotPagination.Limit)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Proposals, 2)
}

func TestListProposalsBadRequest(t *testing.T) {
	store := &fakeStore{}

	w := serve(t, store, "/v1/proposals?status=pending")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(t, store, "/v1/proposals?limit=ten")
	require.Equal(t, http.StatusBadRequest, w.Code)
}
