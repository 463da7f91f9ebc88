package volume

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/poseidon/internal/apierror"
	"github.com/cuemby/poseidon/internal/events"
	"github.com/cuemby/poseidon/internal/metrics"
	"github.com/cuemby/poseidon/internal/model"
	"github.com/cuemby/poseidon/internal/registry"
)

// runFSA executes one pass of the reconciliation steps, returning early
// after any action that changes observable state so the next run
// re-evaluates from the top. A non-nil return is an unhandled error; the
// caller rearms a retry timer unless a delegated-op waiter is pending.
func (v *Volume) runFSA(ctx context.Context) error {
	v.mu.Lock()
	state := v.observed.State
	v.mu.Unlock()

	// Step 1.
	if state == StatePending {
		return nil
	}

	// Step 2.
	if state == StateDestroyed {
		return v.stepDestroyed(ctx)
	}

	// Step 3.
	if done, err := v.stepRetractNexus(ctx); done {
		return err
	}

	// Step 4.
	v.mu.Lock()
	spec := v.spec
	publishedOn := v.observed.PublishedOn
	nexus := v.observed.Nexus
	nexusNode := ""
	if nexus != nil {
		nexusNode = nexus.NodeName
	}
	active := activeReplicas(v.observed.Replicas, spec, nexusNode)
	v.mu.Unlock()

	if len(active) == 0 {
		v.setState(StateFaulted, "no online replicas")
		v.completeWaiters(opPublish, "", apierror.New(apierror.FailedPrecondition, "volume %s has no online replicas", v.UUID))
		return nil
	}

	// Step 5.
	desiredNode := desiredNexusNode(publishedOn, nexus, active)

	// Step 6.
	nexusNeeded := publishedOn != "" || len(active) != spec.ReplicaCount
	if nexus == nil && nexusNeeded {
		return v.stepCreateNexus(ctx, desiredNode, active, spec)
	}

	// Step 7.
	if nexus != nil && publishedOn != "" && nexus.NodeName != desiredNode {
		return v.stepDestroyMisplacedNexus(ctx, nexus)
	}

	// Step 8.
	if done, err := v.stepEnsureShares(ctx, nexus, active, spec); done {
		return err
	}

	// Step 9.
	if nexus != nil {
		if done, err := v.stepReconcileChildren(ctx, nexus, active); done {
			return err
		}
	}

	// Step 10.
	if nexus != nil {
		if done, err := v.stepEvaluateHealth(ctx, nexus, spec, active); done {
			return err
		}
	}

	// Step 11.
	if publishedOn != "" && nexus != nil && !nexus.Published() {
		return v.stepPublish(ctx, nexus, spec)
	}

	// Step 12.
	if nexus != nil && len(spec.RequiredNodes) > 0 {
		if done, err := v.stepEnsureRequiredNodes(ctx, nexus, spec); done {
			return err
		}
	}

	// Step 13.
	if publishedOn == "" && nexus != nil {
		return v.stepReclaimNexus(ctx, nexus)
	}

	v.setState(StateHealthy, "")
	return nil
}

func (v *Volume) stepDestroyed(ctx context.Context) error {
	v.mu.Lock()
	nexus := v.observed.Nexus
	replicas := make([]*model.Replica, 0, len(v.observed.Replicas))
	for _, r := range v.observed.Replicas {
		replicas = append(replicas, r)
	}
	v.mu.Unlock()

	if nexus != nil {
		n, ok := v.nodes.GetNode(nexus.NodeName)
		if ok {
			if err := n.DestroyNexus(ctx, v.UUID); err != nil {
				v.completeWaiters(opDestroy, "", err)
				return err
			}
		}
		v.mu.Lock()
		v.observed.Nexus = nil
		v.mu.Unlock()
	}

	for _, r := range replicas {
		n, ok := v.nodes.GetNode(r.NodeName)
		if !ok {
			continue
		}
		if err := n.DestroyReplica(ctx, v.UUID); err != nil {
			v.completeWaiters(opDestroy, "", err)
			return err
		}
		v.mu.Lock()
		delete(v.observed.Replicas, r.NodeName)
		v.mu.Unlock()
	}

	v.completeWaiters(opDestroy, "", nil)
	v.emit(events.Event{Kind: events.KindVolume, Type: events.Del, Object: v.Snapshot()})
	return nil
}

// stepRetractNexus implements step 3: a nexus exists but publishedOn is
// empty. If still published, unpublish it; if offline, destroy it.
// Either way, any Unpublish waiter is completed. Returns done=true if
// this step took an action (the run should return immediately).
func (v *Volume) stepRetractNexus(ctx context.Context) (done bool, err error) {
	v.mu.Lock()
	nexus := v.observed.Nexus
	publishedOn := v.observed.PublishedOn
	v.mu.Unlock()

	if nexus == nil || publishedOn != "" {
		return false, nil
	}

	n, ok := v.nodes.GetNode(nexus.NodeName)
	if !ok {
		v.completeWaiters(opUnpublish, "", nil)
		return false, nil
	}

	if nexus.Published() {
		if uerr := n.UnpublishNexus(ctx, v.UUID); uerr != nil {
			v.completeWaiters(opUnpublish, "", uerr)
			return true, uerr
		}
		v.mu.Lock()
		if v.observed.Nexus != nil {
			v.observed.Nexus.DeviceURI = ""
		}
		v.mu.Unlock()
		v.completeWaiters(opUnpublish, "", nil)
		return true, nil
	}

	if nexus.State == model.NexusOffline {
		if derr := n.DestroyNexus(ctx, v.UUID); derr != nil {
			v.completeWaiters(opUnpublish, "", derr)
			return true, derr
		}
		v.mu.Lock()
		v.observed.Nexus = nil
		v.mu.Unlock()
		v.completeWaiters(opUnpublish, "", nil)
		return true, nil
	}

	v.completeWaiters(opUnpublish, "", nil)
	return false, nil
}

// desiredNexusNode implements step 5.
func desiredNexusNode(publishedOn string, nexus *model.Nexus, active []*model.Replica) string {
	if publishedOn != "" {
		return publishedOn
	}
	if nexus != nil {
		return nexus.NodeName
	}
	return fewestNexusesNode(active)
}

// fewestNexusesNode picks the replica node hosting the fewest nexuses.
// Without a cross-volume view this degrades to the top-scored replica's
// node, which is what a single Volume can determine locally.
func fewestNexusesNode(active []*model.Replica) string {
	if len(active) == 0 {
		return ""
	}
	return active[0].NodeName
}

func (v *Volume) stepCreateNexus(ctx context.Context, desiredNode string, active []*model.Replica, spec Spec) error {
	if desiredNode == "" {
		err := apierror.New(apierror.Internal, "volume %s: no desired nexus node", v.UUID)
		v.completeWaiters(opPublish, "", err)
		return err
	}
	n, ok := v.nodes.GetNode(desiredNode)
	if !ok {
		err := apierror.New(apierror.Unavailable, "volume %s: node %s not known", v.UUID, desiredNode)
		v.setState(StateOffline, err.Error())
		v.completeWaiters(opPublish, "", err)
		return err
	}

	if err := v.ensureShares(ctx, active, desiredNode); err != nil {
		v.setState(StateOffline, err.Error())
		v.completeWaiters(opPublish, "", err)
		return err
	}

	unhealthy := v.unhealthyReplicas(ctx)

	smallest := smallestSize(active)
	uris := make([]string, 0, len(active))
	for _, r := range active {
		if unhealthy[r.UUID] {
			continue
		}
		uris = append(uris, r.URI)
	}

	nx, err := n.CreateNexus(ctx, v.UUID, smallest, uris)
	if err != nil {
		v.setState(StateOffline, err.Error())
		v.completeWaiters(opPublish, "", err)
		return err
	}

	v.mu.Lock()
	v.observed.Nexus = nx
	v.mu.Unlock()
	v.setState(StateDegraded, "")
	return nil
}

// unhealthyReplicas consults the persistent store for replicas excluded
// from a nexus's initial children. A nil store or a lookup failure both
// resolve to "nothing known unhealthy" rather than blocking nexus
// creation on the store being reachable.
func (v *Volume) unhealthyReplicas(ctx context.Context) map[string]bool {
	if v.store == nil {
		return nil
	}
	unhealthy, err := v.store.UnhealthyReplicas(ctx, v.UUID)
	if err != nil {
		v.logger.Warn().Err(err).Msg("unhealthy replica lookup failed, treating all replicas as healthy")
		return nil
	}
	return unhealthy
}

func (v *Volume) stepDestroyMisplacedNexus(ctx context.Context, nexus *model.Nexus) error {
	n, ok := v.nodes.GetNode(nexus.NodeName)
	if !ok {
		v.mu.Lock()
		v.observed.Nexus = nil
		v.mu.Unlock()
		return nil
	}
	if err := n.DestroyNexus(ctx, v.UUID); err != nil {
		return err
	}
	v.mu.Lock()
	v.observed.Nexus = nil
	v.mu.Unlock()
	return nil
}

// stepEnsureShares implements step 8: every active replica must be
// shared correctly for access from the nexus's node.
func (v *Volume) stepEnsureShares(ctx context.Context, nexus *model.Nexus, active []*model.Replica, spec Spec) (bool, error) {
	if nexus == nil {
		return false, nil
	}
	if err := v.ensureShares(ctx, active, nexus.NodeName); err != nil {
		return true, err
	}
	return false, nil
}

func (v *Volume) ensureShares(ctx context.Context, active []*model.Replica, nexusNode string) error {
	for _, r := range active {
		want := model.ShareNvmf
		if r.NodeName == nexusNode {
			want = model.ShareNone
		}
		if r.Share == want {
			continue
		}
		n, ok := v.nodes.GetNode(r.NodeName)
		if !ok {
			continue
		}
		nr, err := n.ShareReplica(ctx, r.UUID, want)
		if err != nil {
			return err
		}
		v.mu.Lock()
		v.observed.Replicas[r.NodeName] = nr
		v.mu.Unlock()
	}
	return nil
}

// stepReconcileChildren implements step 9: pair nexus children with
// Replicas by URI, add one missing active Replica, remove at most one
// superfluous child per run.
func (v *Volume) stepReconcileChildren(ctx context.Context, nexus *model.Nexus, active []*model.Replica) (bool, error) {
	n, ok := v.nodes.GetNode(nexus.NodeName)
	if !ok {
		return false, nil
	}

	byURI := make(map[string]*model.Replica, len(active))
	for _, r := range active {
		byURI[r.URI] = r
	}

	for _, r := range active {
		if nexus.ChildByURI(r.URI) == nil {
			nx, err := n.AddChildNexus(ctx, v.UUID, r.URI, true)
			if err != nil {
				return true, err
			}
			v.mu.Lock()
			v.observed.Nexus = nx
			v.mu.Unlock()
			return true, nil
		}
	}

	onlineCount := nexus.OnlineChildCount()
	replicaCount := len(active)
	var toRemove string
	var faultedNoReplica, anyFaulted, stray string
	for _, c := range nexus.Children {
		r := byURI[c.URI]
		if c.State == model.ChildFaulted && r == nil && faultedNoReplica == "" {
			faultedNoReplica = c.URI
		}
		if c.State == model.ChildFaulted && anyFaulted == "" {
			anyFaulted = c.URI
		}
		if r == nil && stray == "" {
			stray = c.URI
		}
	}
	switch {
	case faultedNoReplica != "":
		toRemove = faultedNoReplica
	case onlineCount > replicaCount && anyFaulted != "":
		toRemove = anyFaulted
	case onlineCount > replicaCount && stray != "":
		toRemove = stray
	default:
		if worst := lowestScored(active); worst != "" && len(nexus.Children) > replicaCount {
			toRemove = worst
		}
	}

	if toRemove == "" {
		return false, nil
	}
	nx, err := n.RemoveChildNexus(ctx, v.UUID, toRemove)
	if err != nil {
		return true, err
	}
	v.mu.Lock()
	v.observed.Nexus = nx
	v.mu.Unlock()
	return true, nil
}

func lowestScored(active []*model.Replica) string {
	if len(active) == 0 {
		return ""
	}
	worst := active[len(active)-1]
	return worst.URI
}

// stepEvaluateHealth implements step 10.
func (v *Volume) stepEvaluateHealth(ctx context.Context, nexus *model.Nexus, spec Spec, active []*model.Replica) (bool, error) {
	onlineCount := nexus.OnlineChildCount()
	degradedCount := 0
	for _, c := range nexus.Children {
		if c.State == model.ChildDegraded {
			degradedCount++
		}
	}
	soundCount := onlineCount + degradedCount

	if onlineCount == 0 {
		v.setState(StateFaulted, "no online nexus children")
		v.completeWaiters(opPublish, "", apierror.New(apierror.FailedPrecondition, "volume %s nexus has no online children", v.UUID))
		return true, nil
	}
	if soundCount < spec.ReplicaCount {
		v.setState(StateDegraded, "")
		v.mu.Lock()
		existingNodes := make(map[string]bool, len(v.observed.Replicas))
		for name := range v.observed.Replicas {
			existingNodes[name] = true
		}
		v.mu.Unlock()
		need := spec.ReplicaCount - soundCount
		_, err := v.createReplicas(ctx, registry.ChooseRequest{
			RequiredBytes:  spec.RequiredBytes,
			RequiredNodes:  spec.RequiredNodes,
			PreferredNodes: spec.PreferredNodes,
		}, spec, nexus.SizeB, need, existingNodes)
		return true, err
	}
	for _, c := range nexus.Children {
		if c.State == model.ChildDegraded {
			v.setState(StateDegraded, "")
			return true, nil
		}
	}
	return false, nil
}

func (v *Volume) stepPublish(ctx context.Context, nexus *model.Nexus, spec Spec) error {
	n, ok := v.nodes.GetNode(nexus.NodeName)
	if !ok {
		err := apierror.New(apierror.Unavailable, "volume %s: node %s not known", v.UUID, nexus.NodeName)
		v.completeWaiters(opPublish, "", err)
		return err
	}
	protocol := spec.Protocol
	if protocol == "" {
		protocol = model.ShareNvmf
	}
	uri, err := n.PublishNexus(ctx, v.UUID, v.UUID, protocol)
	if err != nil {
		v.completeWaiters(opPublish, "", err)
		return err
	}
	v.mu.Lock()
	if v.observed.Nexus != nil {
		v.observed.Nexus.DeviceURI = uri
	}
	v.mu.Unlock()
	v.completeWaiters(opPublish, uri, nil)
	v.setState(StateHealthy, "")
	return nil
}

// stepEnsureRequiredNodes implements step 12.
func (v *Volume) stepEnsureRequiredNodes(ctx context.Context, nexus *model.Nexus, spec Spec) (bool, error) {
	required := make(map[string]bool, len(spec.RequiredNodes))
	for _, n := range spec.RequiredNodes {
		required[n] = true
	}
	v.mu.Lock()
	outlier := false
	existingNodes := make(map[string]bool, len(v.observed.Replicas))
	for name := range v.observed.Replicas {
		existingNodes[name] = true
	}
	for _, r := range v.observed.Replicas {
		if c := nexus.ChildByURI(r.URI); c != nil && c.State == model.ChildOnline && !required[r.NodeName] {
			outlier = true
		}
	}
	v.mu.Unlock()
	if !outlier {
		return false, nil
	}
	_, err := v.createReplicas(ctx, registry.ChooseRequest{
		RequiredBytes:  spec.RequiredBytes,
		RequiredNodes:  spec.RequiredNodes,
		PreferredNodes: spec.PreferredNodes,
	}, spec, nexus.SizeB, 1, existingNodes)
	return true, err
}

func (v *Volume) stepReclaimNexus(ctx context.Context, nexus *model.Nexus) error {
	n, ok := v.nodes.GetNode(nexus.NodeName)
	if !ok {
		v.mu.Lock()
		v.observed.Nexus = nil
		v.mu.Unlock()
		return nil
	}
	if err := n.DestroyNexus(ctx, v.UUID); err != nil {
		return err
	}
	v.mu.Lock()
	v.observed.Nexus = nil
	v.mu.Unlock()
	return nil
}

// activeReplicas returns online replicas sorted by score, highest
// first.
func activeReplicas(replicas map[string]*model.Replica, spec Spec, nexusNode string) []*model.Replica {
	out := make([]*model.Replica, 0, len(replicas))
	for _, r := range replicas {
		if r.Online() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := score(out[i], spec, nexusNode), score(out[j], spec, nexusNode)
		if si != sj {
			return si > sj
		}
		return out[i].NodeName < out[j].NodeName
	})
	return out
}

// score implements the replica scoring formula: higher is better, and
// the weights are chosen so a higher-priority criterion cannot be
// overturned by the sum of all lower ones.
func score(r *model.Replica, spec Spec, nexusNode string) int {
	s := 0
	if contains(spec.RequiredNodes, r.NodeName) {
		s += 100
	}
	if r.Online() {
		s += 50
	}
	preferredIdx := indexOf(spec.PreferredNodes, r.NodeName)
	if preferredIdx >= 0 {
		s += 20
	}
	if spec.Local && preferredIdx == 0 {
		s += 9
	}
	if nexusNode != "" && r.NodeName == nexusNode {
		s += 1
	}
	return s
}

func contains(items []string, v string) bool {
	for _, i := range items {
		if i == v {
			return true
		}
	}
	return false
}

func indexOf(items []string, v string) int {
	for i, item := range items {
		if item == v {
			return i
		}
	}
	return -1
}

func smallestSize(replicas []*model.Replica) uint64 {
	if len(replicas) == 0 {
		return 0
	}
	min := replicas[0].SizeB
	for _, r := range replicas[1:] {
		if r.SizeB < min {
			min = r.SizeB
		}
	}
	return min
}

// createReplicas implements the replica-creation algorithm: choose pools
// via the registry, excluding nodes already used; when local is set,
// move the first preferred node's pool to the front; resolve a zero size
// against the smallest candidate pool's free bytes and limitBytes/
// requiredBytes; try pools one at a time, accumulating errors, and fail
// with ResourceExhausted if fewer than count replicas could be created.
func (v *Volume) createReplicas(ctx context.Context, req registry.ChooseRequest, spec Spec, size uint64, count int, excludeNodes map[string]bool) ([]*model.Replica, error) {
	if count <= 0 {
		return nil, nil
	}
	candidates := v.pools.ChoosePools(req)
	filtered := candidates[:0]
	for _, p := range candidates {
		if excludeNodes != nil && excludeNodes[p.NodeName] {
			continue
		}
		filtered = append(filtered, p)
	}
	candidates = filtered

	if spec.Local && len(spec.PreferredNodes) > 0 {
		first := spec.PreferredNodes[0]
		idx := -1
		for i, p := range candidates {
			if p.NodeName == first {
				idx = i
				break
			}
		}
		if idx > 0 {
			reordered := make([]*model.Pool, 0, len(candidates))
			reordered = append(reordered, candidates[idx])
			reordered = append(reordered, candidates[:idx]...)
			reordered = append(reordered, candidates[idx+1:]...)
			candidates = reordered
		}
	}

	if size == 0 {
		limit := spec.LimitBytes
		if limit == 0 {
			limit = spec.RequiredBytes
		}
		var smallestFree uint64
		for i, p := range candidates {
			if i == 0 || p.FreeBytes() < smallestFree {
				smallestFree = p.FreeBytes()
			}
		}
		size = smallestFree
		if limit > 0 && limit < size {
			size = limit
		}
	}

	var created []*model.Replica
	var errs []string
	for _, p := range candidates {
		if len(created) >= count {
			break
		}
		n, ok := v.nodes.GetNode(p.NodeName)
		if !ok {
			continue
		}
		share := model.ShareNvmf
		r, err := n.CreateReplica(ctx, v.UUID, p.Name, size, true, string(share))
		if err != nil {
			metrics.ReplicaCreateFailuresTotal.Inc()
			errs = append(errs, fmt.Sprintf("%s/%s: %v", p.NodeName, p.Name, err))
			continue
		}
		v.mu.Lock()
		v.observed.Replicas[p.NodeName] = r
		v.mu.Unlock()
		created = append(created, r)
	}

	if len(created) < count {
		return created, apierror.New(apierror.ResourceExhausted, "volume %s: only %d/%d replicas created: %s",
			v.UUID, len(created), count, strings.Join(errs, "; "))
	}
	return created, nil
}
