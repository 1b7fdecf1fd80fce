// Package notiontest 提供 Notion REST API 的进程内仿真服务（仅覆盖本工具用到的端点）。
package notiontest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Version 为仿真服务要求的 Notion-Version 请求头。
const Version = "2022-06-28"

// Patch 一次 PATCH 请求的记录。
type Patch struct {
	Path string
	Body json.RawMessage
}

type fault struct {
	status     int
	retryAfter int
	remaining  int
}

// Server: 基于 chi 路由的 httptest 服务。
// - 认证：Authorization: Bearer <Token>，否则 401；
// - 缺少 Notion-Version 时 400；
// - 子节点列举按 PageSize 分页（has_more/next_cursor）；
// - PATCH 块后推进 last_edited_time。
type Server struct {
	*httptest.Server
	Token    string
	PageSize int

	mu       sync.Mutex
	blocks   map[string]map[string]json.RawMessage
	children map[string][]string
	pages    map[string]map[string]json.RawMessage
	faults   map[string]*fault
	patches  []Patch
	requests int
	clock    time.Time
}

// New 启动仿真服务；调用方负责 Close。
func New(token string) *Server {
	s := &Server{
		Token:    token,
		PageSize: 100,
		blocks:   make(map[string]map[string]json.RawMessage),
		children: make(map[string][]string),
		pages:    make(map[string]map[string]json.RawMessage),
		faults:   make(map[string]*fault),
		clock:    time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.count)
	r.Use(s.authenticate)
	r.Use(s.inject)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/blocks/{id}", s.getBlock)
		r.Patch("/blocks/{id}", s.patchBlock)
		r.Get("/blocks/{id}/children", s.listChildren)
		r.Get("/pages/{id}", s.getPage)
		r.Patch("/pages/{id}", s.patchPage)
	})
	return r
}

// ---- 夹具 ----

// AddBlock 注册块（raw 为完整块对象 JSON）及其子块 ID。
func (s *Server) AddBlock(raw string, children ...string) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		panic(fmt.Sprintf("notiontest: bad block json: %v", err))
	}
	var id string
	_ = json.Unmarshal(obj["id"], &id)
	hc, _ := json.Marshal(len(children) > 0)
	obj["has_children"] = hc
	if _, ok := obj["last_edited_time"]; !ok {
		obj["last_edited_time"] = s.tick()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[id] = obj
	s.children[id] = append([]string(nil), children...)
}

// AddPage 注册页面对象（raw 为完整页面 JSON）。
func (s *Server) AddPage(raw string) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		panic(fmt.Sprintf("notiontest: bad page json: %v", err))
	}
	var id string
	_ = json.Unmarshal(obj["id"], &id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[id] = obj
}

// Fail 使 method+path 接下来的 n 次请求返回 status（429 时附带 Retry-After）。
func (s *Server) Fail(method, path string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method+" "+path] = &fault{status: status, retryAfter: 1, remaining: n}
}

// Block 返回块的当前 JSON。
func (s *Server) Block(id string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, _ := json.Marshal(s.blocks[id])
	return b
}

// Page 返回页面的当前 JSON。
func (s *Server) Page(id string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, _ := json.Marshal(s.pages[id])
	return b
}

// Patches 返回已接收的 PATCH 请求（按到达顺序）。
func (s *Server) Patches() []Patch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Patch(nil), s.patches...)
}

// Requests 返回累计请求数（含被拒绝的）。
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) tick() json.RawMessage {
	s.mu.Lock()
	s.clock = s.clock.Add(time.Minute)
	ts := s.clock.Format("2006-01-02T15:04:05.000Z")
	s.mu.Unlock()
	b, _ := json.Marshal(ts)
	return b
}

// ---- 中间件 ----

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeError(w, http.StatusUnauthorized, "unauthorized", "API token is invalid.")
			return
		}
		if r.Header.Get("Notion-Version") == "" {
			writeError(w, http.StatusBadRequest, "missing_version", "Notion-Version header failed validation.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		s.mu.Lock()
		f := s.faults[key]
		var hit *fault
		if f != nil && f.remaining > 0 {
			f.remaining--
			cp := *f
			hit = &cp
		}
		s.mu.Unlock()
		if hit != nil {
			if hit.status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", strconv.Itoa(hit.retryAfter))
				writeError(w, hit.status, "rate_limited", "You have been rate limited.")
				return
			}
			writeError(w, hit.status, "injected", http.StatusText(hit.status))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---- 处理器 ----

func (s *Server) getBlock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	obj, ok := s.blocks[id]
	var body []byte
	if ok {
		body, _ = json.Marshal(obj)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "object_not_found", "Could not find block with ID: "+id+".")
		return
	}
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) listChildren(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	size := s.PageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && v > 0 && v < size {
		size = v
	}
	start := 0
	if c := r.URL.Query().Get("start_cursor"); c != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(c, "cur-"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "start_cursor is invalid.")
			return
		}
		start = n
	}
	s.mu.Lock()
	_, ok := s.blocks[id]
	kids := s.children[id]
	var results []map[string]json.RawMessage
	end := start + size
	if end > len(kids) {
		end = len(kids)
	}
	if start < end {
		for _, k := range kids[start:end] {
			results = append(results, s.blocks[k])
		}
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "object_not_found", "Could not find block with ID: "+id+".")
		return
	}
	resp := map[string]any{
		"object":   "list",
		"results":  results,
		"has_more": end < len(kids),
	}
	if end < len(kids) {
		resp["next_cursor"] = fmt.Sprintf("cur-%d", end)
	} else {
		resp["next_cursor"] = nil
	}
	if results == nil {
		resp["results"] = []any{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) patchBlock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body map[string]json.RawMessage
	raw, ok := readBody(w, r, &body)
	if !ok {
		return
	}
	ts := s.tick()
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, exists := s.blocks[id]
	if !exists {
		writeError(w, http.StatusNotFound, "object_not_found", "Could not find block with ID: "+id+".")
		return
	}
	var typ string
	_ = json.Unmarshal(obj["type"], &typ)
	patch, ok := body[typ]
	if !ok || len(body) != 1 {
		writeError(w, http.StatusBadRequest, "validation_error", "body must contain exactly the block type "+typ+".")
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	var cur map[string]json.RawMessage
	_ = json.Unmarshal(obj[typ], &cur)
	if cur == nil {
		cur = make(map[string]json.RawMessage)
	}
	for k, v := range fields {
		cur[k] = v
	}
	merged, _ := json.Marshal(cur)
	obj[typ] = merged
	obj["last_edited_time"] = ts
	s.patches = append(s.patches, Patch{Path: r.URL.Path, Body: raw})
	out, _ := json.Marshal(obj)
	writeRaw(w, http.StatusOK, out)
}

func (s *Server) getPage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	obj, ok := s.pages[id]
	var body []byte
	if ok {
		body, _ = json.Marshal(obj)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "object_not_found", "Could not find page with ID: "+id+".")
		return
	}
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) patchPage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	raw, ok := readBody(w, r, &body)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, exists := s.pages[id]
	if !exists {
		writeError(w, http.StatusNotFound, "object_not_found", "Could not find page with ID: "+id+".")
		return
	}
	var props map[string]map[string]json.RawMessage
	_ = json.Unmarshal(obj["properties"], &props)
	names := make([]string, 0, len(body.Properties))
	for name := range body.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cur, ok := props[name]
		if !ok {
			writeError(w, http.StatusBadRequest, "validation_error", name+" is not a property that exists.")
			return
		}
		var upd map[string]json.RawMessage
		if err := json.Unmarshal(body.Properties[name], &upd); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
		for k, v := range upd {
			cur[k] = v
		}
	}
	merged, _ := json.Marshal(props)
	obj["properties"] = merged
	s.patches = append(s.patches, Patch{Path: r.URL.Path, Body: raw})
	out, _ := json.Marshal(obj)
	writeRaw(w, http.StatusOK, out)
}

func readBody(w http.ResponseWriter, r *http.Request, v any) (json.RawMessage, bool) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return nil, false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return nil, false
	}
	return raw, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, _ := json.Marshal(v)
	writeRaw(w, status, b)
}

func writeRaw(w http.ResponseWriter, status int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"object": "error", "status": status, "code": code, "message": msg})
}
