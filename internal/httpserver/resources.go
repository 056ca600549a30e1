package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/hnizdiljan/eway-crm-gateway/internal/eway"
)

const (
	defaultPageLimit = 25
	maxPageLimit     = 100
	maxBodyBytes     = 1 << 20
)

// resource maps a REST collection onto eWay-CRM API methods. An empty save
// method makes the collection read-only.
type resource struct {
	list   string
	byGUID string
	save   string
}

var resources = map[string]resource{
	"companies":  {list: "GetCompanies", byGUID: "GetCompaniesByItemGuids", save: "SaveCompany"},
	"contacts":   {list: "GetContacts", byGUID: "GetContactsByItemGuids", save: "SaveContact"},
	"leads":      {list: "GetLeads", byGUID: "GetLeadsByItemGuids", save: "SaveLead"},
	"tasks":      {list: "GetTasks", byGUID: "GetTasksByItemGuids", save: "SaveTask"},
	"users":      {list: "GetUsers", byGUID: "GetUsersByItemGuids"},
	"enum-types": {list: "GetEnumTypes", byGUID: "GetEnumTypesByItemGuids"},
}

var (
	itemGUIDPattern   = regexp.MustCompile(`^[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}$`)
	methodNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{0,127}$`)
)

// Pagination describes one page of a list response.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// ListResponse is the JSON body of a list request.
type ListResponse struct {
	Data       []json.RawMessage `json:"data"`
	Pagination Pagination        `json:"pagination"`
}

// ItemResponse is the JSON body of a single-item request.
type ItemResponse struct {
	Data json.RawMessage `json:"data"`
}

func lookupResource(w http.ResponseWriter, r *http.Request) (resource, bool) {
	name := r.PathValue("resource")
	res, ok := resources[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown resource: "+sanitizeLog(name))
		return resource{}, false
	}
	return res, true
}

// parsePagination reads page and limit. Missing values use page 1 and the
// default limit.
func parsePagination(r *http.Request) (page, limit int, ok bool) {
	page, limit = 1, defaultPageLimit

	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, false
		}
		page = n
	}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageLimit {
			return 0, 0, false
		}
		limit = n
	}

	return page, limit, true
}

// paginate slices items for the requested page.
func paginate(items []json.RawMessage, page, limit int) ListResponse {
	total := len(items)
	totalPages := (total + limit - 1) / limit

	// compare before multiplying so huge page numbers cannot overflow
	start := total
	if page-1 <= total/limit {
		start = min((page-1)*limit, total)
	}
	end := start + limit
	if end > total {
		end = total
	}

	data := items[start:end]
	if data == nil {
		data = []json.RawMessage{}
	}

	return ListResponse{
		Data: data,
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
		},
	}
}

// decodeItems reads the Data array of a response.
func decodeItems(resp *eway.Response) ([]json.RawMessage, error) {
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(resp.Data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// readObject decodes a JSON object request body.
func readObject(r *http.Request) (map[string]interface{}, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return map[string]interface{}{}, nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = map[string]interface{}{}
	}
	return obj, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	res, ok := lookupResource(w, r)
	if !ok {
		return
	}

	page, limit, ok := parsePagination(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "page must be >= 1 and limit between 1 and 100")
		return
	}

	resp, err := s.backend.CallMethod(r.Context(), res.list, eway.Params{})
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	if !resp.OK() {
		writeBackendResult(w, resp)
		return
	}

	items, err := decodeItems(resp)
	if err != nil {
		s.writeBackendError(w, r, &eway.TransportError{Method: res.list, StatusCode: http.StatusOK, Err: err})
		return
	}

	writeJSON(w, http.StatusOK, paginate(items, page, limit))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	res, ok := lookupResource(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	if !itemGUIDPattern.MatchString(id) {
		writeError(w, http.StatusBadRequest, "id must be an item GUID")
		return
	}

	resp, err := s.backend.CallMethod(r.Context(), res.byGUID, eway.Params{
		"itemGuids": []string{id},
	})
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	if !resp.OK() {
		writeBackendResult(w, resp)
		return
	}

	items, err := decodeItems(resp)
	if err != nil {
		s.writeBackendError(w, r, &eway.TransportError{Method: res.byGUID, StatusCode: http.StatusOK, Err: err})
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}

	writeJSON(w, http.StatusOK, ItemResponse{Data: items[0]})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	res, ok := lookupResource(w, r)
	if !ok {
		return
	}
	if res.save == "" {
		writeError(w, http.StatusMethodNotAllowed, "resource is read-only: "+r.PathValue("resource"))
		return
	}

	obj, err := readObject(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	resp, err := s.backend.CallMethod(r.Context(), res.save, eway.Params{
		"transmitObject":    obj,
		"dieOnItemConflict": false,
	})
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	if !resp.OK() {
		writeBackendResult(w, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleRPC forwards a raw method call. The backend response is returned
// unmodified, whatever its ReturnCode.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	method := r.PathValue("method")
	if !methodNamePattern.MatchString(method) {
		writeError(w, http.StatusBadRequest, "invalid method name")
		return
	}
	if eway.IsSessionMethod(method) {
		writeError(w, http.StatusBadRequest, eway.ErrSessionMethod.Error())
		return
	}

	obj, err := readObject(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	resp, err := s.backend.CallMethod(r.Context(), method, eway.Params(obj))
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
