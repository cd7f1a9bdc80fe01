// Package roadgraph implements C3, a directed weighted road graph with
// nearest-node snapping and Dijkstra shortest-path. Like geoindex, the
// graph is published as an immutable copy-on-write snapshot: an admin
// reload builds a new snapshot offline and swaps it in atomically.
package roadgraph

import (
	"container/heap"
	"sync/atomic"

	"github.com/carbonscribe/sentinel-core/internal/domain"
	"github.com/carbonscribe/sentinel-core/internal/domainerr"
	"github.com/carbonscribe/sentinel-core/pkg/geo"
)

// Step is one ordered leg of a shortest path.
type Step struct {
	Seq      int          `json:"seq"`
	EdgeID   int64        `json:"edge_id"`
	CostMin  float64      `json:"cost"`
	Geometry domain.JSONB `json:"geometry"`
}

type adjacency struct {
	target  int64
	edgeID  int64
	costMin float64
}

type snapshot struct {
	nodes   map[int64]domain.RoadNode
	edges   map[int64]domain.RoadSegment
	forward map[int64][]adjacency
}

// Graph is the published, swappable road network.
type Graph struct {
	current atomic.Pointer[snapshot]
}

// New returns an empty Graph.
func New() *Graph {
	g := &Graph{}
	g.current.Store(&snapshot{
		nodes:   map[int64]domain.RoadNode{},
		edges:   map[int64]domain.RoadSegment{},
		forward: map[int64][]adjacency{},
	})
	return g
}

// Load atomically replaces the graph with the given nodes and
// segments, building forward (and where declared, reverse) adjacency.
func (g *Graph) Load(nodes []domain.RoadNode, segments []domain.RoadSegment) {
	snap := &snapshot{
		nodes:   make(map[int64]domain.RoadNode, len(nodes)),
		edges:   make(map[int64]domain.RoadSegment, len(segments)),
		forward: make(map[int64][]adjacency, len(nodes)),
	}
	for _, n := range nodes {
		snap.nodes[n.ID] = n
	}
	for _, seg := range segments {
		snap.edges[seg.EdgeID] = seg
		snap.forward[seg.Source] = append(snap.forward[seg.Source], adjacency{
			target: seg.Target, edgeID: seg.EdgeID, costMin: seg.CostMinutes,
		})
		if seg.ReverseCostMinutes >= 0 {
			snap.forward[seg.Target] = append(snap.forward[seg.Target], adjacency{
				target: seg.Source, edgeID: seg.EdgeID, costMin: seg.ReverseCostMinutes,
			})
		}
	}
	g.current.Store(snap)
}

// Snap returns the nearest node to an arbitrary point and the
// distance to it in meters.
func (g *Graph) Snap(point domain.Location) (nodeID int64, snapDistanceMeters float64, err error) {
	snap := g.current.Load()
	if len(snap.nodes) == 0 {
		return 0, 0, domainerr.New("roadgraph.Snap", domainerr.UnknownEndpoint)
	}

	p := geo.Point{Lon: point.Lon, Lat: point.Lat}
	best := int64(0)
	bestDist := -1.0
	for id, n := range snap.nodes {
		d := geo.HaversineMeters(p, geo.Point{Lon: n.Location.Lon, Lat: n.Location.Lat})
		if bestDist < 0 || d < bestDist {
			bestDist = d
			best = id
		}
	}
	return best, bestDist, nil
}

type heapItem struct {
	node int64
	cost float64
	via  adjacency
	seq  int
}

type priorityQueue []heapItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].cost != pq[j].cost {
		return pq[i].cost < pq[j].cost
	}
	return pq[i].via.edgeID < pq[j].via.edgeID
}
func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x interface{}) {
	*pq = append(*pq, x.(heapItem))
}
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

type cameFrom struct {
	node int64
	via  adjacency
}

// ShortestPath runs Dijkstra from src to dst, tie-breaking ties in
// cost by ascending edge ID, and returns NoPath if the nodes are in
// disconnected components. src == dst returns zero steps, zero cost.
func (g *Graph) ShortestPath(src, dst int64) ([]Step, float64, error) {
	snap := g.current.Load()
	if _, ok := snap.nodes[src]; !ok {
		return nil, 0, domainerr.New("roadgraph.ShortestPath", domainerr.UnknownEndpoint)
	}
	if _, ok := snap.nodes[dst]; !ok {
		return nil, 0, domainerr.New("roadgraph.ShortestPath", domainerr.UnknownEndpoint)
	}
	if src == dst {
		return nil, 0, nil
	}

	dist := map[int64]float64{src: 0}
	prev := map[int64]cameFrom{}
	visited := map[int64]bool{}

	pq := &priorityQueue{{node: src, cost: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(heapItem)
		if visited[cur.node] {
			continue
		}
		visited[cur.node] = true

		if cur.node == dst {
			break
		}

		for _, adj := range snap.forward[cur.node] {
			newCost := dist[cur.node] + adj.costMin
			if existing, ok := dist[adj.target]; !ok || newCost < existing ||
				(newCost == existing && adj.edgeID < prev[adj.target].via.edgeID) {
				dist[adj.target] = newCost
				prev[adj.target] = cameFrom{node: cur.node, via: adj}
				heap.Push(pq, heapItem{node: adj.target, cost: newCost, via: adj})
			}
		}
	}

	if _, ok := dist[dst]; !ok {
		return nil, 0, domainerr.New("roadgraph.ShortestPath", domainerr.NoPath)
	}

	var steps []Step
	node := dst
	for node != src {
		cf, ok := prev[node]
		if !ok {
			return nil, 0, domainerr.New("roadgraph.ShortestPath", domainerr.NoPath)
		}
		seg := snap.edges[cf.via.edgeID]
		steps = append([]Step{{EdgeID: cf.via.edgeID, CostMin: cf.via.costMin, Geometry: seg.Geometry}}, steps...)
		node = cf.node
	}
	for i := range steps {
		steps[i].Seq = i + 1
	}

	return steps, dist[dst], nil
}
