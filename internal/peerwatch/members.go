package peerwatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DefaultGossipPort is used for peer lines that carry no port.
const DefaultGossipPort = 9638

var (
	// ErrNameLookup is returned when a peer host cannot be resolved.
	ErrNameLookup = errors.New("cannot resolve peer")

	// ErrInvalidPeer is returned for a line that is not host[:port].
	ErrInvalidPeer = errors.New("invalid peer line")
)

// memberNamespace seeds the name-based member IDs.
var memberNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("chainwatch/peer"))

// Member is one peer listed in the peer file.
type Member struct {
	// ID is derived from the address and port, so it is stable across reads.
	ID         string `json:"id"`
	Address    string `json:"address"`
	SwimPort   int    `json:"swim_port"`
	GossipPort int    `json:"gossip_port"`
}

// ReadMembers reads the peer file at path. A path that is not a regular
// file yields no members.
func ReadMembers(ctx context.Context, path string, r *Resolver) ([]Member, error) {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("peerwatch: open %q: %w", path, err)
	}
	defer f.Close()
	return ParseMembers(ctx, f, r)
}

// ParseMembers parses one host[:port] per line. Blank lines are skipped; a
// line that fails to parse or resolve fails the whole read.
func ParseMembers(ctx context.Context, in io.Reader, r *Resolver) ([]Member, error) {
	var members []Member
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		host, port, err := splitPeer(line)
		if err != nil {
			return nil, err
		}
		ip, err := r.Resolve(ctx, host)
		if err != nil {
			return nil, err
		}
		members = append(members, Member{
			ID:         uuid.NewSHA1(memberNamespace, []byte(net.JoinHostPort(ip, strconv.Itoa(port)))).String(),
			Address:    ip,
			SwimPort:   port,
			GossipPort: port,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("peerwatch: read peers: %w", err)
	}
	return members, nil
}

// splitPeer splits host[:port]. A bare IPv6 address takes the default port.
func splitPeer(line string) (string, int, error) {
	if !strings.Contains(line, ":") {
		return line, DefaultGossipPort, nil
	}
	if addr, err := netip.ParseAddr(line); err == nil {
		return addr.String(), DefaultGossipPort, nil
	}
	host, portStr, err := net.SplitHostPort(line)
	if err != nil {
		return "", 0, fmt.Errorf("peerwatch: %w %q: %w", ErrInvalidPeer, line, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || host == "" {
		return "", 0, fmt.Errorf("peerwatch: %w %q: bad port", ErrInvalidPeer, line)
	}
	return host, int(port), nil
}
