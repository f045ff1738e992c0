package dht

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// LookupAlpha is the fan-out width of an iterative lookup round.
const LookupAlpha = 3

// MaxGetPeersRounds bounds a get_peers lookup that never turns up values.
const MaxGetPeersRounds = 10

type candidate struct {
	info     *NodeInfo
	queried  bool
	token    string
	hasToken bool
}

// FindNode performs an iterative find_node lookup for target, querying
// up to LookupAlpha nodes per round and terminating once a round fails to
// turn up anyone closer than the best node already known.
func (d *DHTNode) FindNode(ctx context.Context, target NodeID) ([]*NodeInfo, error) {
	seen := make(map[NodeID]*candidate)
	seed := d.routing.ClosestNodes(target, K)
	if len(seed) == 0 {
		return nil, errNoNodes
	}
	for _, n := range seed {
		seen[n.ID] = &candidate{info: n}
	}

	for {
		round := pickUnqueried(seen, target, LookupAlpha)
		if len(round) == 0 {
			break
		}
		bestBefore := closestOf(seen, target)

		g, gctx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		for _, c := range round {
			c := c
			c.queried = true
			g.Go(func() error {
				nodes, err := d.findNodeQuery(gctx, c.info.Addr, target)
				if err != nil {
					return nil
				}
				mu.Lock()
				for _, n := range nodes {
					if n.ID == d.id {
						continue
					}
					if _, ok := seen[n.ID]; !ok {
						seen[n.ID] = &candidate{info: n}
					}
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		bestAfter := closestOf(seen, target)
		if bestBefore != nil && bestAfter != nil && bestAfter.ID == bestBefore.ID {
			break
		}
	}

	for _, c := range seen {
		d.routing.Insert(c.info)
	}
	return closestN(seen, target, K), nil
}

func (d *DHTNode) findNodeQuery(ctx context.Context, addr *net.UDPAddr, target NodeID) ([]*NodeInfo, error) {
	resp, err := d.query(ctx, addr, MethodFindNode, func(txID string) []byte {
		return EncodeFindNode(txID, d.id, target)
	})
	if err != nil {
		return nil, err
	}
	nodesVal, ok := resp.Response["nodes"]
	if !ok {
		return nil, nil
	}
	return ParseCompactNodes([]byte(nodesVal.Str))
}

// GetPeersResult is the outcome of an iterative get_peers lookup.
type GetPeersResult struct {
	Peers []*net.UDPAddr
}

// GetPeers performs an iterative get_peers lookup for infoHash, querying
// up to LookupAlpha nodes per round, terminating as soon as any peer
// values are found or after MaxGetPeersRounds rounds. When announce is
// true it also sends announce_peer to the K closest nodes that returned
// a token, using listenPort (or implied_port if listenPort is 0).
func (d *DHTNode) GetPeers(ctx context.Context, infoHash [20]byte, announce bool, listenPort int) (*GetPeersResult, error) {
	target := NodeID(infoHash)
	seen := make(map[NodeID]*candidate)
	seed := d.routing.ClosestNodes(target, K)
	if len(seed) == 0 {
		return nil, errNoNodes
	}
	for _, n := range seed {
		seen[n.ID] = &candidate{info: n}
	}

	var peers []*net.UDPAddr
	dedup := make(map[string]struct{})

	for round := 0; round < MaxGetPeersRounds && len(peers) == 0; round++ {
		batch := pickUnqueried(seen, target, LookupAlpha)
		if len(batch) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		for _, c := range batch {
			c := c
			c.queried = true
			g.Go(func() error {
				p, nodes, token, err := d.getPeersQuery(gctx, c.info.Addr, infoHash)
				if err != nil {
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				c.token, c.hasToken = token, token != ""
				for _, addr := range p {
					key := addr.String()
					if _, dup := dedup[key]; dup {
						continue
					}
					dedup[key] = struct{}{}
					peers = append(peers, addr)
				}
				for _, n := range nodes {
					if n.ID == d.id {
						continue
					}
					if _, ok := seen[n.ID]; !ok {
						seen[n.ID] = &candidate{info: n}
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	if announce {
		for _, c := range closestCandidates(seen, target, K) {
			if !c.hasToken {
				continue
			}
			go d.announcePeer(ctx, c.info.Addr, infoHash, listenPort, c.token)
		}
	}

	return &GetPeersResult{Peers: peers}, nil
}

func (d *DHTNode) getPeersQuery(ctx context.Context, addr *net.UDPAddr, infoHash [20]byte) ([]*net.UDPAddr, []*NodeInfo, string, error) {
	resp, err := d.query(ctx, addr, MethodGetPeers, func(txID string) []byte {
		return EncodeGetPeers(txID, d.id, infoHash)
	})
	if err != nil {
		return nil, nil, "", err
	}
	token := ""
	if tokVal, ok := resp.Response["token"]; ok {
		token = tokVal.Str
	}
	if valuesVal, ok := resp.Response["values"]; ok {
		var peers []*net.UDPAddr
		for _, v := range valuesVal.List {
			if addr, err := ParseCompactPeer([]byte(v.Str)); err == nil {
				peers = append(peers, addr)
			}
		}
		return peers, nil, token, nil
	}
	if nodesVal, ok := resp.Response["nodes"]; ok {
		nodes, err := ParseCompactNodes([]byte(nodesVal.Str))
		return nil, nodes, token, err
	}
	return nil, nil, token, nil
}

func (d *DHTNode) announcePeer(ctx context.Context, addr *net.UDPAddr, infoHash [20]byte, port int, token string) {
	impliedPort := port == 0
	if _, err := d.query(ctx, addr, MethodAnnounce, func(txID string) []byte {
		return EncodeAnnouncePeer(txID, d.id, infoHash, port, token, impliedPort)
	}); err != nil {
		d.log.Debugw("dht announce_peer failed", "addr", addr, "error", err)
	}
}

func pickUnqueried(seen map[NodeID]*candidate, target NodeID, n int) []*candidate {
	var fresh []*candidate
	for _, c := range seen {
		if !c.queried {
			fresh = append(fresh, c)
		}
	}
	sort.Slice(fresh, func(i, j int) bool {
		return Less(fresh[i].info.ID, fresh[j].info.ID, target)
	})
	if len(fresh) > n {
		fresh = fresh[:n]
	}
	return fresh
}

func closestOf(seen map[NodeID]*candidate, target NodeID) *NodeInfo {
	all := closestN(seen, target, 1)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

func closestN(seen map[NodeID]*candidate, target NodeID, n int) []*NodeInfo {
	all := make([]*NodeInfo, 0, len(seen))
	for _, c := range seen {
		all = append(all, c.info)
	}
	sort.Slice(all, func(i, j int) bool {
		return Less(all[i].ID, all[j].ID, target)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func closestCandidates(seen map[NodeID]*candidate, target NodeID, n int) []*candidate {
	all := make([]*candidate, 0, len(seen))
	for _, c := range seen {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool {
		return Less(all[i].info.ID, all[j].info.ID, target)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

var errNoNodes = fmt.Errorf("dht: routing table has no seed nodes for lookup")
