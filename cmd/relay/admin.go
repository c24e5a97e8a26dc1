package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"buildcraft.ai/internal/persistence/roomdb"
	"buildcraft.ai/internal/protocol"
	"buildcraft.ai/internal/relay"
	"buildcraft.ai/internal/sim/model"
)

type admin struct {
	hub *relay.Hub
	db  *roomdb.SQLiteRooms
}

func (a *admin) register(mux *http.ServeMux, loopbackOnly bool) {
	guard := func(h http.HandlerFunc) http.HandlerFunc {
		return func(rw http.ResponseWriter, r *http.Request) {
			if loopbackOnly && !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			h(rw, r)
		}
	}
	mux.HandleFunc("GET /admin/v1/rooms", guard(a.rooms))
	mux.HandleFunc("GET /admin/v1/rooms/{room}", guard(a.room))
}

type roomsResponse struct {
	Live   []relay.RoomInfo     `json:"live"`
	Stored []roomdb.RoomSummary `json:"stored,omitempty"`
	DB     *roomdb.Stats        `json:"db,omitempty"`
}

func (a *admin) rooms(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var resp roomsResponse
	live, err := a.hub.Rooms(ctx)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	resp.Live = live
	if a.db != nil {
		stored, err := a.db.Rooms(ctx)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Stored = stored
		st := a.db.Stats()
		resp.DB = &st
	}
	writeJSON(rw, resp)
}

func (a *admin) room(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	name := r.PathValue("room")
	objs, ok, err := a.hub.RoomState(ctx, name)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !ok {
		writeJSONStatus(rw, http.StatusNotFound, protocol.ErrorMsg{
			Type:    protocol.TypeError,
			Code:    protocol.ErrRoomNotFound,
			Message: "room not loaded",
			ID:      name,
		})
		return
	}
	writeJSON(rw, struct {
		Room    string              `json:"room"`
		Objects []model.BuildObject `json:"objects"`
	}{Room: name, Objects: objs})
}

func writeJSON(rw http.ResponseWriter, v any) {
	writeJSONStatus(rw, http.StatusOK, v)
}

func writeJSONStatus(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	enc := json.NewEncoder(rw)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
