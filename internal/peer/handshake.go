// Package peer implements the peer-to-peer fabric: the three-way
// handshake new connections perform before they're trusted, and the
// RPC transport the cluster actor uses to talk to known peers.
package peer

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// HandshakeResult is what either side of a handshake learns about the
// other once it completes.
type HandshakeResult struct {
	PeerID        string
	ReplID        string
	ListeningAddr string
	// PeerAddrs is the rest of the cluster the other side already
	// knows about, gossiped during the PEERS step so a node seeded
	// with only one address can still discover the full membership.
	PeerAddrs []string
}

// Dial opens a connection to addr and performs the outbound half of
// the three-way handshake: PING, REPLCONF listening-port, PSYNC. The
// result carries the leader's replid from the FULLRESYNC reply, which
// a caller whose own replid is "" or Undecided adopts as its own.
func Dial(addr, ourNodeID, ourReplID string, ourListenPort int) (net.Conn, HandshakeResult, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, HandshakeResult{}, fmt.Errorf("peer: dial %s: %w", addr, err)
	}
	res, err := clientHandshake(conn, ourNodeID, ourReplID, ourListenPort)
	if err != nil {
		conn.Close()
		return nil, HandshakeResult{}, err
	}
	return conn, res, nil
}

func clientHandshake(conn net.Conn, ourNodeID, ourReplID string, listenPort int) (HandshakeResult, error) {
	r := bufio.NewReader(conn)

	if err := sendLine(conn, "PING"); err != nil {
		return HandshakeResult{}, err
	}
	if _, err := expectLine(r, "+PONG"); err != nil {
		return HandshakeResult{}, err
	}

	if err := sendLine(conn, fmt.Sprintf("REPLCONF listening-port %d", listenPort)); err != nil {
		return HandshakeResult{}, err
	}
	if _, err := expectPrefix(r, "+OK"); err != nil {
		return HandshakeResult{}, err
	}

	if err := sendLine(conn, fmt.Sprintf("REPLCONF node-id %s", ourNodeID)); err != nil {
		return HandshakeResult{}, err
	}
	if _, err := expectPrefix(r, "+OK"); err != nil {
		return HandshakeResult{}, err
	}

	if err := sendLine(conn, "REPLCONF capa eof capa psync2"); err != nil {
		return HandshakeResult{}, err
	}
	if _, err := expectPrefix(r, "+OK"); err != nil {
		return HandshakeResult{}, err
	}

	replIDArg := ourReplID
	if replIDArg == "" {
		replIDArg = "?"
	}
	if err := sendLine(conn, fmt.Sprintf("PSYNC %s -1", replIDArg)); err != nil {
		return HandshakeResult{}, err
	}
	line, err := readLine(r)
	if err != nil {
		return HandshakeResult{}, err
	}
	fields := strings.Fields(strings.TrimPrefix(line, "+"))
	if len(fields) < 3 || fields[0] != "FULLRESYNC" {
		return HandshakeResult{}, fmt.Errorf("peer: unexpected PSYNC reply %q", line)
	}
	leaderID, leaderReplID := fields[1], fields[2]
	if err := sendLine(conn, "+OK"); err != nil {
		return HandshakeResult{}, err
	}

	peersLine, err := expectPrefix(r, "PEERS")
	if err != nil {
		return HandshakeResult{}, err
	}
	peerAddrs := strings.Fields(strings.TrimPrefix(peersLine, "PEERS"))
	if err := sendLine(conn, "+OK"); err != nil {
		return HandshakeResult{}, err
	}

	result := HandshakeResult{PeerID: leaderID, ReplID: leaderReplID, PeerAddrs: peerAddrs}
	if ourReplID == "" || ourReplID == Undecided {
		result.ReplID = leaderReplID
	}
	return result, nil
}

// Undecided is the sentinel replication id a node starts with before
// it has joined any cluster and adopted a leader's id.
const Undecided = "?"

// AcceptHandshake performs the inbound half of the three-way
// handshake on a freshly accepted connection. knownPeerAddrs is
// disseminated via the PEERS step so the connecting peer can
// recursively discover the rest of the cluster.
func AcceptHandshake(conn net.Conn, ourNodeID, ourReplID string, knownPeerAddrs []string) (HandshakeResult, error) {
	r := bufio.NewReader(conn)

	if _, err := expectPrefix(r, "PING"); err != nil {
		return HandshakeResult{}, err
	}
	if err := sendLine(conn, "+PONG"); err != nil {
		return HandshakeResult{}, err
	}

	// Any number of REPLCONF subcommands (listening-port, node-id,
	// capa ...) may arrive before the PSYNC that ends the exchange.
	listeningAddr := ""
	peerID := ""
	var psyncLine string
	for {
		line, err := readLine(r)
		if err != nil {
			return HandshakeResult{}, err
		}
		if strings.HasPrefix(line, "PSYNC") {
			psyncLine = line
			break
		}
		if !strings.HasPrefix(line, "REPLCONF") {
			return HandshakeResult{}, fmt.Errorf("peer: expected REPLCONF or PSYNC, got %q", line)
		}
		fields := strings.Fields(line)
		if len(fields) >= 3 {
			switch fields[1] {
			case "listening-port":
				if host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String()); splitErr == nil {
					listeningAddr = net.JoinHostPort(host, fields[2])
				}
			case "node-id":
				peerID = fields[2]
			case "capa":
				// capabilities are acknowledged, none change behavior
			}
		}
		if err := sendLine(conn, "+OK"); err != nil {
			return HandshakeResult{}, err
		}
	}
	psyncFields := strings.Fields(psyncLine)
	if len(psyncFields) < 3 {
		return HandshakeResult{}, fmt.Errorf("peer: malformed PSYNC %q", psyncLine)
	}
	theirReplID := psyncFields[1]

	replID := ourReplID
	if replID == "" || replID == Undecided {
		replID = uuid.NewString()
	}
	if err := sendLine(conn, fmt.Sprintf("+FULLRESYNC %s %s 0", ourNodeID, replID)); err != nil {
		return HandshakeResult{}, err
	}
	if _, err := expectLine(r, "+OK"); err != nil {
		return HandshakeResult{}, err
	}

	if err := sendLine(conn, "PEERS "+strings.Join(knownPeerAddrs, " ")); err != nil {
		return HandshakeResult{}, err
	}
	if _, err := expectLine(r, "+OK"); err != nil {
		return HandshakeResult{}, err
	}

	return HandshakeResult{PeerID: peerID, ReplID: theirReplID, ListeningAddr: listeningAddr}, nil
}

func sendLine(conn net.Conn, line string) error {
	_, err := conn.Write([]byte(line + "\r\n"))
	return err
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func expectLine(r *bufio.Reader, want string) (string, error) {
	line, err := readLine(r)
	if err != nil {
		return "", err
	}
	if line != want {
		return "", fmt.Errorf("peer: expected %q, got %q", want, line)
	}
	return line, nil
}

func expectPrefix(r *bufio.Reader, prefix string) (string, error) {
	line, err := readLine(r)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(line, prefix) {
		return "", fmt.Errorf("peer: expected prefix %q, got %q", prefix, line)
	}
	return line, nil
}
