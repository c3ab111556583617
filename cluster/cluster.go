// Package cluster implements the loose membership layer. A node in
// cluster mode opens a UDP "bus" socket on listening port + 10000,
// announces itself to a seed with a JOIN frame and keeps a deduplicated
// list of peers it has heard from. There is no replication, no key
// routing and no quorum.
package cluster

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/triekv/triekv/common"
	"github.com/triekv/triekv/protocol"
)

var logger = common.GetLogger("cluster")

// busBufSize bounds a membership datagram; JOIN frames are tiny.
const busBufSize = 64 * 1024

// --------------------------------------------------------------------------
// Member Type
// --------------------------------------------------------------------------

// Member describes one node of the cluster.
type Member struct {
	Host string
	Port string
	Self bool
}

// Addr returns the textual host:port identity used for deduplication.
func (m Member) Addr() string {
	return net.JoinHostPort(m.Host, m.Port)
}

// --------------------------------------------------------------------------
// Node Type
// --------------------------------------------------------------------------

// Node is the local cluster endpoint: the member list plus the bus socket.
type Node struct {
	mu      sync.Mutex
	members []Member
	conn    *net.UDPConn
	maxReq  uint32
}

// NewNode opens the bus socket and seeds the member list with this node.
// host and port describe the local listening endpoint clients connect to.
func NewNode(host string, port int, maxReq uint32) (*Node, error) {
	busAddr := &net.UDPAddr{Port: port + common.BusPortOffset}
	conn, err := net.ListenUDP("udp", busAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to open bus socket: %w", err)
	}

	n := &Node{
		conn:   conn,
		maxReq: maxReq,
	}
	n.members = append(n.members, Member{Host: host, Port: strconv.Itoa(port), Self: true})

	logger.Infof("Cluster bus listening on %s", conn.LocalAddr())
	return n, nil
}

// Members returns a snapshot of the member list.
func (n *Node) Members() []Member {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Member, len(n.members))
	copy(out, n.members)
	return out
}

// Add records a peer, deduplicated by host:port. Returns true if the
// member was new.
func (n *Node) Add(host, port string) bool {
	m := Member{Host: host, Port: port}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, existing := range n.members {
		if existing.Addr() == m.Addr() {
			return false
		}
	}
	n.members = append(n.members, m)
	return true
}

// Join announces this node to a seed by sending a JOIN frame to the
// seed's bus port.
func (n *Node) Join(seedHost string, seedPort int) error {
	self := n.Members()[0]
	req := &protocol.Request{
		Header: protocol.NewHeader(protocol.JOIN, false, true, true),
		Key:    []byte(self.Host),
		Value:  []byte(self.Port),
	}

	seed := &net.UDPAddr{
		IP:   net.ParseIP(seedHost),
		Port: seedPort + common.BusPortOffset,
	}
	if seed.IP == nil {
		addrs, err := net.LookupIP(seedHost)
		if err != nil || len(addrs) == 0 {
			return fmt.Errorf("failed to resolve seed host %s: %w", seedHost, err)
		}
		seed.IP = addrs[0]
	}

	if _, err := n.conn.WriteToUDP(req.Pack(), seed); err != nil {
		return fmt.Errorf("failed to send JOIN to %s: %w", seed, err)
	}

	n.Add(seedHost, strconv.Itoa(seedPort))
	logger.Infof("Announced to seed %s:%d", seedHost, seedPort)
	return nil
}

// Serve reads bus datagrams until the shutdown channel is closed. JOIN
// requests add the sender to the member list and are acknowledged with
// the current peer list; JOIN responses merge the carried peer list.
func (n *Node) Serve(shutdown <-chan struct{}) {
	buf := make([]byte, busBufSize)
	for {
		pkt, addr, err := n.readDatagram(buf)
		if err != nil {
			select {
			case <-shutdown:
				return
			default:
			}
			logger.Errorf("Bus read error: %v", err)
			continue
		}
		n.handleDatagram(pkt, addr)
	}
}

// Close shuts the bus socket, unblocking Serve.
func (n *Node) Close() error {
	return n.conn.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (n *Node) readDatagram(buf []byte) ([]byte, *net.UDPAddr, error) {
	nr, addr, err := n.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	pkt := make([]byte, nr)
	copy(pkt, buf[:nr])
	return pkt, addr, nil
}

func (n *Node) handleDatagram(pkt []byte, addr *net.UDPAddr) {
	h, body, err := protocol.DecodeFrame(pkt, n.maxReq)
	if err != nil {
		logger.Warningf("Dropping malformed bus frame from %s: %v", addr, err)
		return
	}
	if h.Opcode() != protocol.JOIN {
		logger.Warningf("Dropping non-JOIN bus frame (%s) from %s", h.Opcode(), addr)
		return
	}

	if h.IsRequest() {
		req, err := protocol.UnpackRequest(h, body)
		if err != nil {
			logger.Warningf("Dropping malformed JOIN from %s: %v", addr, err)
			return
		}
		host, port := string(req.Key), string(req.Value)
		if n.Add(host, port) {
			logger.Infof("New node on %s:%s joined", host, port)
		}
		n.ackJoin(addr)
		return
	}

	// JOIN response: a peer list from a seed.
	ts, err := protocol.UnpackTupleSet(h, body)
	if err != nil {
		logger.Warningf("Dropping malformed peer list from %s: %v", addr, err)
		return
	}
	for _, tp := range ts.Tuples {
		host, port := string(tp.Key), string(tp.Value)
		if n.Add(host, port) {
			logger.Infof("Learned peer %s:%s from %s", host, port, addr)
		}
	}
}

// ackJoin replies to a joiner with the current peer list.
func (n *Node) ackJoin(addr *net.UDPAddr) {
	reply := &protocol.TupleSet{
		Header: protocol.NewHeader(protocol.JOIN, false, true, false),
	}
	for _, m := range n.Members() {
		reply.Tuples = append(reply.Tuples, protocol.Tuple{
			Key:   []byte(m.Host),
			Value: []byte(m.Port),
		})
	}
	if _, err := n.conn.WriteToUDP(reply.Pack(), addr); err != nil {
		logger.Errorf("Failed to ack JOIN from %s: %v", addr, err)
	}
}

// --------------------------------------------------------------------------
// Client-Side Join (join subcommand)
// --------------------------------------------------------------------------

// SendJoin announces host:port to a seed from an ephemeral socket and
// waits for the returned peer list. Used by the join subcommand; a node
// in cluster mode announces through its own bus socket instead.
func SendJoin(host string, port int, seedHost string, seedPort int, timeout time.Duration) ([]Member, error) {
	seed := net.JoinHostPort(seedHost, strconv.Itoa(seedPort+common.BusPortOffset))
	conn, err := net.Dial("udp", seed)
	if err != nil {
		return nil, fmt.Errorf("failed to reach seed %s: %w", seed, err)
	}
	defer conn.Close()

	req := &protocol.Request{
		Header: protocol.NewHeader(protocol.JOIN, false, true, true),
		Key:    []byte(host),
		Value:  []byte(strconv.Itoa(port)),
	}
	if _, err := conn.Write(req.Pack()); err != nil {
		return nil, fmt.Errorf("failed to send JOIN: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, busBufSize)
	nr, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("no reply from seed: %w", err)
	}

	h, body, err := protocol.DecodeFrame(buf[:nr], 0)
	if err != nil {
		return nil, fmt.Errorf("malformed reply: %w", err)
	}
	ts, err := protocol.UnpackTupleSet(h, body)
	if err != nil {
		return nil, fmt.Errorf("malformed peer list: %w", err)
	}

	members := make([]Member, 0, len(ts.Tuples))
	for _, tp := range ts.Tuples {
		members = append(members, Member{Host: string(tp.Key), Port: string(tp.Value)})
	}
	return members, nil
}
