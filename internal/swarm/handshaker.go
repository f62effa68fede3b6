package swarm

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fabioibanez/Rogue-Packet/internal/logger"
	"github.com/fabioibanez/Rogue-Packet/internal/peer"
	"github.com/fabioibanez/Rogue-Packet/internal/peerconn"
	"github.com/fabioibanez/Rogue-Packet/internal/peerprotocol"
)

var errWrongInfoHash = errors.New("handshake for another torrent")

type handshakeResult struct {
	conn     net.Conn
	peerID   [20]byte
	incoming bool
	err      error
}

// addAddrs queues candidate addresses for dialing, newest first.
func (s *Swarm) addAddrs(addrs []*net.TCPAddr) {
	s.addrList = append(s.addrList, addrs...)
	// Cap the queue; old addresses from early announces go stale anyway.
	const maxAddrs = 500
	if len(s.addrList) > maxAddrs {
		s.addrList = s.addrList[len(s.addrList)-maxAddrs:]
	}
}

// startDials starts outgoing handshakes until the dial limit is reached or
// the address queue runs out.
func (s *Swarm) startDials() {
	for s.dialing < s.config.MaxPeerDial && len(s.addrList) > 0 {
		addr := s.addrList[len(s.addrList)-1]
		s.addrList = s.addrList[:len(s.addrList)-1]
		if _, ok := s.peerIPs[addr.IP.String()]; ok {
			continue
		}
		if addr.Port == s.Port() && addr.IP.IsLoopback() {
			continue
		}
		s.dialing++
		go s.dialAndHandshake(addr)
	}
}

// dialAndHandshake runs outside the event loop and reports on connectedC.
func (s *Swarm) dialAndHandshake(addr *net.TCPAddr) {
	conn, err := net.DialTimeout("tcp4", addr.String(), s.config.PeerConnectTimeout)
	if err != nil {
		s.sendHandshakeResult(handshakeResult{err: err})
		return
	}
	peerID, err := s.handshakeOutgoing(conn)
	if err != nil {
		_ = conn.Close()
		s.sendHandshakeResult(handshakeResult{err: err})
		return
	}
	s.sendHandshakeResult(handshakeResult{conn: conn, peerID: peerID})
}

func (s *Swarm) handshakeOutgoing(conn net.Conn) ([20]byte, error) {
	var zero [20]byte
	if err := conn.SetDeadline(time.Now().Add(s.config.PeerHandshakeTimeout)); err != nil {
		return zero, err
	}
	var extensions [8]byte
	if err := peerprotocol.WriteHandshake(conn, s.infoHash, s.peerID, extensions); err != nil {
		return zero, err
	}
	_, infoHash, err := peerprotocol.ReadHandshake1(conn)
	if err != nil {
		return zero, err
	}
	if infoHash != s.infoHash {
		return zero, errWrongInfoHash
	}
	peerID, err := peerprotocol.ReadHandshake2(conn)
	if err != nil {
		return zero, err
	}
	return peerID, conn.SetDeadline(time.Time{})
}

// acceptor accepts incoming connections until the listener is closed.
func (s *Swarm) acceptor() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closedC:
			default:
				s.log.Errorln("accept error:", err)
			}
			return
		}
		go s.acceptAndHandshake(conn)
	}
}

// acceptAndHandshake runs outside the event loop and reports on connectedC.
func (s *Swarm) acceptAndHandshake(conn net.Conn) {
	peerID, err := s.handshakeIncoming(conn)
	if err != nil {
		_ = conn.Close()
		s.sendHandshakeResult(handshakeResult{incoming: true, err: err})
		return
	}
	s.sendHandshakeResult(handshakeResult{conn: conn, peerID: peerID, incoming: true})
}

func (s *Swarm) handshakeIncoming(conn net.Conn) ([20]byte, error) {
	var zero [20]byte
	if err := conn.SetDeadline(time.Now().Add(s.config.PeerHandshakeTimeout)); err != nil {
		return zero, err
	}
	_, infoHash, err := peerprotocol.ReadHandshake1(conn)
	if err != nil {
		return zero, err
	}
	if infoHash != s.infoHash {
		return zero, errWrongInfoHash
	}
	var extensions [8]byte
	if err := peerprotocol.WriteHandshake(conn, s.infoHash, s.peerID, extensions); err != nil {
		return zero, err
	}
	peerID, err := peerprotocol.ReadHandshake2(conn)
	if err != nil {
		return zero, err
	}
	return peerID, conn.SetDeadline(time.Time{})
}

func (s *Swarm) sendHandshakeResult(res handshakeResult) {
	select {
	case s.connectedC <- res:
	case <-s.closedC:
		if res.conn != nil {
			_ = res.conn.Close()
		}
	}
}

// noteHandshakeDone updates the dial and accept budgets.
func (s *Swarm) noteHandshakeDone(res handshakeResult) {
	if !res.incoming {
		s.dialing--
	}
}

// handleConnected turns a completed handshake into a peer.
func (s *Swarm) handleConnected(res handshakeResult) {
	s.noteHandshakeDone(res)
	if res.err != nil {
		s.log.Debugln("handshake failed:", res.err)
		s.startDials()
		return
	}
	conn := res.conn
	if res.peerID == s.peerID {
		s.log.Debugln("dropping connection to ourselves")
		_ = conn.Close()
		return
	}
	if _, ok := s.peerIDs[res.peerID]; ok {
		s.log.Debugf("dropping duplicate peer: %x", res.peerID)
		_ = conn.Close()
		return
	}
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if _, ok := s.peerIPs[host]; ok {
		s.log.Debugln("dropping second connection from:", host)
		_ = conn.Close()
		return
	}
	if res.incoming && s.numIncoming() >= s.config.MaxPeerAccept {
		s.log.Debugln("too many incoming peers, dropping:", host)
		_ = conn.Close()
		return
	}

	s.seq++
	l := logger.New(fmt.Sprintf("peer %s", conn.RemoteAddr()))
	pc := peerconn.New(conn, l, s.config.PeerInactivityTimeout, s.config.PieceReadTimeout, s.downloadBucket, s.uploadBucket)
	pe := peer.New(pc, res.peerID, s.seq)
	pe.Incoming = res.incoming
	s.peers[pe] = struct{}{}
	s.peerIDs[res.peerID] = struct{}{}
	s.peerIPs[host] = struct{}{}
	s.log.Debugf("connected to %s (%x)", conn.RemoteAddr(), res.peerID)

	go pe.Run(s.messages, s.disconnectedC)

	if bf := s.picker.Bitfield(); bf.Count() > 0 {
		pe.SendMessage(peerprotocol.BitfieldMessage{Data: bf.Bytes()})
	}
	s.startDials()
}

func (s *Swarm) numIncoming() int {
	var n int
	for pe := range s.peers {
		if pe.Incoming {
			n++
		}
	}
	return n
}
