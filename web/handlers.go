package web

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ciptargetd/cip"
	"ciptargetd/server"
	"ciptargetd/tagcodec"
)

// AttributeSummary is the JSON view of one cip.Attribute.
type AttributeSummary struct {
	ID       byte          `json:"id"`
	Type     string        `json:"type"`
	Elements int           `json:"elements"`
	Access   string        `json:"access"`
	Value    interface{}   `json:"value,omitempty"`
	Values   []interface{} `json:"values,omitempty"`
}

// ObjectSummary is the JSON view of one cip.Object.
type ObjectSummary struct {
	ClassID    uint32             `json:"class_id"`
	InstanceID uint32             `json:"instance_id"`
	Attributes []AttributeSummary `json:"attributes"`
}

// SessionSummary is the JSON view of one live EtherNet/IP session.
type SessionSummary struct {
	Handle     uint32 `json:"handle"`
	RemoteAddr string `json:"remote_addr"`
	Opened     string `json:"opened"`
}

// loginRequest is the JSON body POSTed to /login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func attributeAccessString(a cip.AttributeAccess) string {
	switch {
	case a&cip.AccessGetSet == cip.AccessGetSet:
		return "get_set"
	case a&cip.AccessGet != 0:
		return "get"
	case a&cip.AccessSet != 0:
		return "set"
	default:
		return "none"
	}
}

func summarizeObject(o *cip.Object) ObjectSummary {
	ids := make([]byte, 0, len(o.Attributes))
	for id := range o.Attributes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	summary := ObjectSummary{ClassID: o.ClassID, InstanceID: o.InstanceID}
	for _, id := range ids {
		attr := o.Attributes[id]
		as := AttributeSummary{
			ID:       id,
			Type:     attr.Type.String(),
			Elements: attr.Elements,
			Access:   attributeAccessString(attr.Access),
		}
		if attr.Elements > 1 {
			as.Values = attr.GetAll()
		} else {
			v, _ := attr.Get(0)
			as.Value = v
		}
		summary.Attributes = append(summary.Attributes, as)
	}
	return summary
}

// handlers holds the dependencies every monitoring-surface handler needs.
type handlers struct {
	registry *cip.Registry
	srv      *server.Server
	sessions *sessionStore
	findUser func(username string) (passwordHash, role string, ok bool)
}

func (h *handlers) handleListObjects(w http.ResponseWriter, r *http.Request) {
	objs := h.registry.All()
	sort.Slice(objs, func(i, j int) bool {
		if objs[i].ClassID != objs[j].ClassID {
			return objs[i].ClassID < objs[j].ClassID
		}
		return objs[i].InstanceID < objs[j].InstanceID
	})

	out := make([]ObjectSummary, 0, len(objs))
	for _, o := range objs {
		out = append(out, summarizeObject(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func pathParams(r *http.Request) (classID, instanceID uint32, attrID byte, ok bool) {
	class, err := strconv.ParseUint(chi.URLParam(r, "class"), 10, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	instance, err := strconv.ParseUint(chi.URLParam(r, "instance"), 10, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	attr, err := strconv.ParseUint(chi.URLParam(r, "attribute"), 10, 8)
	if err != nil {
		return 0, 0, 0, false
	}
	return uint32(class), uint32(instance), byte(attr), true
}

// handleGetAttribute replies with an attribute's current value, decoded
// from the exact bytes the wire protocol's Get Attribute Single handler
// would have produced.
func (h *handlers) handleGetAttribute(w http.ResponseWriter, r *http.Request) {
	classID, instanceID, attrID, ok := pathParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid class/instance/attribute")
		return
	}

	obj, ok := h.registry.Get(classID, instanceID)
	if !ok {
		writeError(w, http.StatusNotFound, "object not found")
		return
	}
	attr, ok := obj.Attribute(attrID)
	if !ok {
		writeError(w, http.StatusNotFound, "attribute not found")
		return
	}

	path := cip.ParsedPath{Class: classID, ClassSet: true, Instance: instanceID, InstanceSet: true, Attribute: uint32(attrID), AttributeSet: true}
	data, status, _, err := obj.Dispatch(cip.SvcGetAttributeSingle, cip.MessageRouterRequest{Service: cip.SvcGetAttributeSingle, RequestPath: cip.EPath_t{}}, path)
	if err != nil || status != cip.StatusSuccess {
		writeError(w, http.StatusConflict, "CIP general status 0x"+strconv.FormatUint(uint64(status), 16))
		return
	}

	values := make([]interface{}, 0, attr.Elements)
	buf := data
	for i := 0; i < attr.Elements; i++ {
		v, width, err := attr.Type.DecodeElement(buf)
		if err != nil {
			break
		}
		values = append(values, v)
		buf = buf[width:]
	}

	as := AttributeSummary{ID: attrID, Type: attr.Type.String(), Elements: attr.Elements, Access: attributeAccessString(attr.Access)}
	if attr.Elements > 1 {
		as.Values = values
	} else if len(values) > 0 {
		as.Value = values[0]
	}
	writeJSON(w, http.StatusOK, as)
}

// handleSetAttribute applies a JSON value to an attribute by routing it
// through the identical Set Attribute Single handler the wire protocol
// uses, so a write that fails as attribute-not-settable over EtherNet/IP
// fails the same way here.
func (h *handlers) handleSetAttribute(w http.ResponseWriter, r *http.Request) {
	classID, instanceID, attrID, ok := pathParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid class/instance/attribute")
		return
	}

	obj, ok := h.registry.Get(classID, instanceID)
	if !ok {
		writeError(w, http.StatusNotFound, "object not found")
		return
	}
	attr, ok := obj.Attribute(attrID)
	if !ok {
		writeError(w, http.StatusNotFound, "attribute not found")
		return
	}

	var body struct {
		Value  interface{}   `json:"value"`
		Values []interface{} `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	raw := body.Values
	if raw == nil {
		raw = []interface{}{body.Value}
	}

	var encoded []byte
	for _, v := range raw {
		coerced, err := tagcodec.Coerce(attr.Type, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		b, err := attr.Type.Produce(coerced, 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		encoded = append(encoded, b...)
	}

	path := cip.ParsedPath{Class: classID, ClassSet: true, Instance: instanceID, InstanceSet: true, Attribute: uint32(attrID), AttributeSet: true}
	req := cip.MessageRouterRequest{Service: cip.SvcSetAttributeSingle, RequestData: encoded}
	_, status, _, err := obj.Dispatch(cip.SvcSetAttributeSingle, req, path)
	if err != nil || status != cip.StatusSuccess {
		writeError(w, http.StatusConflict, "CIP general status 0x"+strconv.FormatUint(uint64(status), 16))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handlers) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.srv.Sessions()
	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionSummary{Handle: s.Handle, RemoteAddr: s.RemoteAddr, Opened: s.Opened.Format("2006-01-02T15:04:05Z07:00")})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	hash, role, ok := h.findUser(req.Username)
	if !ok || !checkPassword(req.Password, hash) {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	if err := h.sessions.setUser(w, r, req.Username, role); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to establish session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": req.Username, "role": role})
}

func (h *handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	_ = h.sessions.clear(w, r)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
