package supervisor

import (
	"fmt"
	"net"
	"time"

	"github.com/phayes/freeport"
	slimfreeport "github.com/slimsag/freeport"

	"github.com/multiaccount/llmrouter/internal/apierrors"
)

// portBindable performs the TCP bind test spec §4.1's StartWorker uses to
// detect PortInUse before a subprocess is even spawned.
func portBindable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// nextFreePort returns preferred if it is bindable, else asks
// github.com/phayes/freeport for any free port in the OS ephemeral range.
// Used when a configured or deterministically-assigned port collides with
// something already listening (spec §4.1: "assigns ports deterministically
// by profile order", falling back when that assignment is unusable).
func nextFreePort(preferred int) (int, error) {
	if portBindable(preferred) {
		return preferred, nil
	}
	return freeport.GetFreePort()
}

// reclaimStalePorts best-effort identifies which of the managed range's
// candidate ports are actually free versus still held by a previous
// instance of this program (spec §4.1 "Port management"): forcibly closing a
// listener we don't own would be unsafe, so this only reports which ports
// are already free; it frees nothing. The per-port bind test
// (portBindable) can race: a port can report not-bindable if something else
// grabs it between our Listen and Close, or bindable in a way that doesn't
// reflect the OS's broader ephemeral-port health. github.com/slimsag/freeport
// is used here as an independent cross-check, distinct from nextFreePort's
// github.com/phayes/freeport call: when the OS hands it a free port that
// happens to be one of our candidates and the bind-test loop missed it,
// that candidate is added to released too. A failure or non-match from the
// cross-check never removes anything the bind-test loop already found —
// it only ever gates net-bind results upward, so a transient failure in the
// independent check degrades to the bind-test result alone rather than
// discarding it.
func reclaimStalePorts(candidatePorts []int) []int {
	released := make([]int, 0, len(candidatePorts))
	foundByBind := make(map[int]bool, len(candidatePorts))
	for _, p := range candidatePorts {
		if portBindable(p) {
			released = append(released, p)
			foundByBind[p] = true
		}
	}

	if osFree, err := slimfreeport.GetFreePort(); err == nil && !foundByBind[osFree] {
		for _, p := range candidatePorts {
			if p == osFree {
				released = append(released, p)
				break
			}
		}
	}

	return released
}

// waitForPortFree polls until port is bindable or timeout elapses, used by
// StopWorker to detect the spec's PortStuck condition.
func waitForPortFree(port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if portBindable(port) {
			return nil
		}
		if time.Now().After(deadline) {
			return &apierrors.PortStuck{Port: port}
		}
		time.Sleep(100 * time.Millisecond)
	}
}
