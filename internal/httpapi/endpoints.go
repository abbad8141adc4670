package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"pkt.systems/syncd/api"
	"pkt.systems/syncd/internal/locator"
	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/synctime"
)

const (
	maxPostRecords = 100
	maxListIDs     = 100
	// maxItemTTL is roughly 66 years in seconds.
	maxItemTTL = 2_100_000_000
)

var errInvalidTTL = errors.New("invalid ttl")

func (h *Handler) handleInfoCollections(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	collections, err := rc.Txn.Collections(r.Context(), rc.UserID())
	if err != nil {
		return fmt.Errorf("load collections: %w", err)
	}
	writeJSON(w, http.StatusOK, collections, map[string]string{
		api.HeaderRecords: strconv.Itoa(len(collections)),
	})
	return nil
}

// listQuery holds the filters accepted by collection GET.
type listQuery struct {
	full  bool
	ids   map[string]struct{}
	newer synctime.Timestamp
	older synctime.Timestamp
	sort  string
	limit int
}

func parseListQuery(r *http.Request) (listQuery, error) {
	values := r.URL.Query()
	q := listQuery{full: values.Get("full") != ""}
	if raw := values.Get("ids"); raw != "" {
		parts := strings.Split(raw, ",")
		if len(parts) > maxListIDs {
			return q, httpError{Status: http.StatusBadRequest, Code: "invalid_query", Detail: fmt.Sprintf("at most %d ids", maxListIDs)}
		}
		q.ids = make(map[string]struct{}, len(parts))
		for _, id := range parts {
			q.ids[strings.TrimSpace(id)] = struct{}{}
		}
	}
	for name, dst := range map[string]*synctime.Timestamp{"newer": &q.newer, "older": &q.older} {
		raw := values.Get(name)
		if raw == "" {
			continue
		}
		ts, err := synctime.Parse(raw)
		if err != nil {
			return q, httpError{Status: http.StatusBadRequest, Code: "invalid_query", Detail: name + " must be a timestamp"}
		}
		*dst = ts
	}
	switch sortBy := values.Get("sort"); sortBy {
	case "", "newest", "oldest", "index":
		q.sort = sortBy
	default:
		return q, httpError{Status: http.StatusBadRequest, Code: "invalid_query", Detail: "sort must be newest, oldest or index"}
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return q, httpError{Status: http.StatusBadRequest, Code: "invalid_query", Detail: "limit must be a non-negative integer"}
		}
		q.limit = limit
	}
	return q, nil
}

func (q listQuery) apply(items []storage.Item) []storage.Item {
	out := items[:0]
	for _, item := range items {
		if q.ids != nil {
			if _, ok := q.ids[item.ID]; !ok {
				continue
			}
		}
		if q.newer != 0 && item.Modified <= q.newer {
			continue
		}
		if q.older != 0 && item.Modified >= q.older {
			continue
		}
		out = append(out, item)
	}
	switch q.sort {
	case "newest":
		sort.SliceStable(out, func(i, j int) bool { return out[i].Modified > out[j].Modified })
	case "oldest":
		sort.SliceStable(out, func(i, j int) bool { return out[i].Modified < out[j].Modified })
	case "index":
		sort.SliceStable(out, func(i, j int) bool { return sortIndex(out[i]) > sortIndex(out[j]) })
	}
	if q.limit > 0 && len(out) > q.limit {
		out = out[:q.limit]
	}
	return out
}

func sortIndex(item storage.Item) int64 {
	if item.SortIndex == nil {
		return 0
	}
	return *item.SortIndex
}

func (h *Handler) handleCollectionGet(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	q, err := parseListQuery(r)
	if err != nil {
		return err
	}
	items, err := rc.Txn.Items(r.Context(), rc.UserID(), rc.Resource.Collection)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}
	items = q.apply(items)
	headers := map[string]string{api.HeaderRecords: strconv.Itoa(len(items))}
	if !q.full {
		ids := make([]string, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ID)
		}
		writeJSON(w, http.StatusOK, ids, headers)
		return nil
	}
	out := make([]api.BSO, 0, len(items))
	for _, item := range items {
		out = append(out, toBSO(item))
	}
	writeJSON(w, http.StatusOK, out, headers)
	return nil
}

func (h *Handler) handleCollectionPost(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var inputs []api.BSOInput
	if err := h.decodeBody(w, r, &inputs); err != nil {
		return err
	}
	if len(inputs) > maxPostRecords {
		return httpError{Status: http.StatusBadRequest, Code: "too_many_records", Detail: fmt.Sprintf("at most %d records per request", maxPostRecords)}
	}
	ctx := r.Context()
	result := api.PostResult{Success: []string{}, Failed: map[string][]string{}}
	accepted := make([]storage.Item, 0, len(inputs))
	for _, in := range inputs {
		if err := locator.ValidateItemID(in.ID); err != nil {
			result.Failed[in.ID] = append(result.Failed[in.ID], "invalid id")
			continue
		}
		item, err := h.mergeItem(r, rc, in.ID, in)
		if errors.Is(err, errInvalidTTL) {
			result.Failed[in.ID] = append(result.Failed[in.ID], errInvalidTTL.Error())
			continue
		}
		if err != nil {
			return err
		}
		accepted = append(accepted, item)
		result.Success = append(result.Success, in.ID)
	}
	result.Modified = rc.Txn.Timestamp()
	if len(accepted) > 0 {
		ts, err := rc.Txn.PutItems(ctx, rc.UserID(), rc.Resource.Collection, accepted)
		if err != nil {
			return err
		}
		result.Modified = ts
	}
	writeJSON(w, http.StatusOK, result, map[string]string{api.HeaderLastModified: result.Modified.String()})
	return nil
}

func (h *Handler) handleCollectionDelete(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	if current, _ := rc.ResourceTimestamp(); current.IsZero() {
		return storage.ErrNotFound
	}
	ts, err := rc.Txn.DeleteCollection(r.Context(), rc.UserID(), rc.Resource.Collection)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.ModifiedResponse{Modified: ts}, map[string]string{api.HeaderLastModified: ts.String()})
	return nil
}

func (h *Handler) handleItemGet(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	item, err := rc.Txn.Item(r.Context(), rc.UserID(), rc.Resource.Collection, rc.Resource.Item)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toBSO(item), nil)
	return nil
}

// handleItemPut upserts one item and answers with the new timestamp as the
// plain text body.
func (h *Handler) handleItemPut(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var in api.BSOInput
	if err := h.decodeBody(w, r, &in); err != nil {
		return err
	}
	if in.ID != "" && in.ID != rc.Resource.Item {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: "id does not match path"}
	}
	item, err := h.mergeItem(r, rc, rc.Resource.Item, in)
	if errors.Is(err, errInvalidTTL) {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: fmt.Sprintf("ttl must be between 0 and %d seconds", maxItemTTL)}
	}
	if err != nil {
		return err
	}
	ts, err := rc.Txn.PutItem(r.Context(), rc.UserID(), rc.Resource.Collection, item)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(api.HeaderLastModified, ts.String())
	w.WriteHeader(http.StatusOK)
	_, err = io.WriteString(w, ts.String())
	return err
}

func (h *Handler) handleItemDelete(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	ts, err := rc.Txn.DeleteItem(r.Context(), rc.UserID(), rc.Resource.Collection, rc.Resource.Item)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.ModifiedResponse{Modified: ts}, map[string]string{api.HeaderLastModified: ts.String()})
	return nil
}

// mergeItem overlays the uploaded fields onto the stored item so partial
// updates keep the fields they omit. A ttl is counted from the transaction
// timestamp.
func (h *Handler) mergeItem(r *http.Request, rc *RequestContext, id string, in api.BSOInput) (storage.Item, error) {
	if in.TTL != nil && (*in.TTL < 0 || *in.TTL > maxItemTTL) {
		return storage.Item{}, errInvalidTTL
	}
	existing, err := rc.Txn.Item(r.Context(), rc.UserID(), rc.Resource.Collection, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		existing = storage.Item{ID: id}
	case err != nil:
		return storage.Item{}, fmt.Errorf("load item %q: %w", id, err)
	}
	if in.Payload != nil {
		existing.Payload = *in.Payload
	}
	if in.SortIndex != nil {
		idx := *in.SortIndex
		existing.SortIndex = &idx
	}
	if in.TTL != nil {
		existing.Expiry = rc.Txn.Timestamp() + synctime.Timestamp(*in.TTL*1000)
	}
	return existing, nil
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, h.maxRequestBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{Status: http.StatusRequestEntityTooLarge, Code: "payload_too_large", Detail: fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit)}
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: "request body must be valid JSON"}
	}
	return nil
}

func toBSO(item storage.Item) api.BSO {
	return api.BSO{
		ID:        item.ID,
		Modified:  item.Modified,
		Payload:   item.Payload,
		SortIndex: item.SortIndex,
	}
}
