package server

import (
	"bytes"

	"github.com/triekv/triekv/lib/trie"
	"github.com/triekv/triekv/protocol"
)

// --------------------------------------------------------------------------
// Dispatch Table
// --------------------------------------------------------------------------

// handlerFunc executes one command. It returns the response to write and
// a flag requesting that the client be dropped (used by QUIT). A nil
// response with drop unset falls back to a NOK acknowledgement.
type handlerFunc func(s *Server, sess *Session, req *protocol.Request) (protocol.Response, bool)

// handlers is indexed by opcode. Opcodes that are not valid requests
// (ACK) are left nil and answered with NOK.
var handlers = [16]handlerFunc{
	protocol.PUT:   handlePut,
	protocol.GET:   handleGet,
	protocol.DEL:   handleDel,
	protocol.TTL:   handleTTL,
	protocol.INC:   handleInc,
	protocol.DEC:   handleDec,
	protocol.CNT:   handleCnt,
	protocol.USE:   handleUse,
	protocol.KEYS:  handleKeys,
	protocol.PING:  handlePing,
	protocol.QUIT:  handleQuit,
	protocol.DB:    handleDB,
	protocol.INFO:  handleInfo,
	protocol.FLUSH: handleFlush,
	protocol.JOIN:  handleJoin,
}

// dispatch routes a request to its handler.
func (s *Server) dispatch(sess *Session, req *protocol.Request) (protocol.Response, bool) {
	h := handlers[req.Header.Opcode()]
	if h == nil {
		return ack(protocol.NOK), false
	}
	resp, drop := h(s, sess, req)
	if resp == nil && !drop {
		resp = ack(protocol.NOK)
	}
	return resp, drop
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// ack builds the shared ACK-shaped response.
func ack(rc byte) protocol.Response {
	return &protocol.Ack{
		Header: protocol.NewHeader(protocol.ACK, false, false, false),
		RC:     rc,
	}
}

// wireTTL maps the wire TTL field to the internal representation: values
// at or below zero mean "no expiration".
func wireTTL(ttl int32) int32 {
	if ttl <= 0 {
		return trie.NoTTL
	}
	return ttl
}

// responseHeader mirrors the request header with the request bit cleared.
func responseHeader(req *protocol.Request) protocol.Header {
	return protocol.NewHeader(req.Header.Opcode(), req.Header.Prefix(), req.Header.Sync(), false)
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func handlePut(s *Server, sess *Session, req *protocol.Request) (protocol.Response, bool) {
	if len(req.Key) == 0 {
		return ack(protocol.NOK), false
	}
	ttl := wireTTL(req.TTL)
	if req.Header.Prefix() {
		s.store.PrefixSet(sess.db, string(req.Key), req.Value, ttl)
	} else {
		s.store.Insert(sess.db, string(req.Key), req.Value, ttl)
	}
	return ack(protocol.OK), false
}

func handleGet(s *Server, sess *Session, req *protocol.Request) (protocol.Response, bool) {
	if req.Header.Prefix() {
		kvs := s.store.PrefixSearch(sess.db, string(req.Key))
		if len(kvs) == 0 {
			return ack(protocol.NOK), false
		}
		resp := &protocol.TupleSet{Header: responseHeader(req)}
		for _, kv := range kvs {
			resp.Tuples = append(resp.Tuples, protocol.Tuple{
				TTL:   kv.TTL,
				Key:   []byte(kv.Key),
				Value: kv.Value,
			})
		}
		return resp, false
	}

	value, ttl, ok := s.store.Search(sess.db, string(req.Key))
	if !ok {
		return ack(protocol.NOK), false
	}
	return &protocol.TupleSet{
		Header: responseHeader(req),
		Tuples: []protocol.Tuple{{TTL: ttl, Key: req.Key, Value: value}},
	}, false
}

func handleDel(s *Server, sess *Session, req *protocol.Request) (protocol.Response, bool) {
	removed := false
	if req.Header.Prefix() {
		removed = s.store.PrefixRemove(sess.db, string(req.Key)) > 0
	} else {
		removed = s.store.Remove(sess.db, string(req.Key))
	}
	if !removed {
		return ack(protocol.NOK), false
	}
	return ack(protocol.OK), false
}

func handleTTL(s *Server, sess *Session, req *protocol.Request) (protocol.Response, bool) {
	if !s.store.SetTTL(sess.db, string(req.Key), wireTTL(req.TTL)) {
		return ack(protocol.NOK), false
	}
	return ack(protocol.OK), false
}

func handleInc(s *Server, sess *Session, req *protocol.Request) (protocol.Response, bool) {
	return handleIncDec(s, sess, req, 1)
}

func handleDec(s *Server, sess *Session, req *protocol.Request) (protocol.Response, bool) {
	return handleIncDec(s, sess, req, -1)
}

// handleIncDec implements INC and DEC. Prefix variants silently skip
// non-numeric entries; the point variants report them as NOK.
func handleIncDec(s *Server, sess *Session, req *protocol.Request, delta int64) (protocol.Response, bool) {
	if req.Header.Prefix() {
		if s.store.PrefixIncBy(sess.db, string(req.Key), delta) == 0 {
			return ack(protocol.NOK), false
		}
		return ack(protocol.OK), false
	}
	if !s.store.IncBy(sess.db, string(req.Key), delta) {
		return ack(protocol.NOK), false
	}
	return ack(protocol.OK), false
}

func handleCnt(s *Server, sess *Session, req *protocol.Request) (protocol.Response, bool) {
	count := s.store.PrefixCount(sess.db, string(req.Key))
	return &protocol.Count{Header: responseHeader(req), Count: uint64(count)}, false
}

func handleUse(s *Server, sess *Session, req *protocol.Request) (protocol.Response, bool) {
	// Database names may not contain NUL, the expiration index separator.
	if len(req.Key) == 0 || bytes.IndexByte(req.Key, 0) >= 0 {
		return ack(protocol.NOK), false
	}
	sess.db = s.store.Use(string(req.Key))
	return ack(protocol.OK), false
}

func handleKeys(s *Server, sess *Session, req *protocol.Request) (protocol.Response, bool) {
	kvs := s.store.PrefixSearch(sess.db, string(req.Key))
	resp := &protocol.TupleSet{Header: responseHeader(req)}
	for _, kv := range kvs {
		resp.Tuples = append(resp.Tuples, protocol.Tuple{
			TTL: kv.TTL,
			Key: []byte(kv.Key),
		})
	}
	return resp, false
}

func handlePing(s *Server, sess *Session, req *protocol.Request) (protocol.Response, bool) {
	return ack(protocol.OK), false
}

func handleQuit(s *Server, sess *Session, req *protocol.Request) (protocol.Response, bool) {
	return nil, true
}

func handleDB(s *Server, sess *Session, req *protocol.Request) (protocol.Response, bool) {
	return &protocol.TupleSet{
		Header: responseHeader(req),
		Tuples: []protocol.Tuple{{TTL: trie.NoTTL, Key: []byte(sess.db.Name)}},
	}, false
}

func handleInfo(s *Server, sess *Session, req *protocol.Request) (protocol.Response, bool) {
	return &protocol.Info{Header: responseHeader(req), Payload: s.buildInfo()}, false
}

func handleFlush(s *Server, sess *Session, req *protocol.Request) (protocol.Response, bool) {
	s.store.Flush(sess.db)
	return ack(protocol.OK), false
}

// handleJoin covers a JOIN that arrives on the stream socket; membership
// frames normally travel over the UDP bus.
func handleJoin(s *Server, sess *Session, req *protocol.Request) (protocol.Response, bool) {
	if s.cluster == nil {
		return ack(protocol.NOK), false
	}
	s.cluster.Add(string(req.Key), string(req.Value))
	return ack(protocol.OK), false
}
