package offline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bcmapp/bcm-server-sub002/internal/model"
)

// Triple is the `<gid>_<mid>_<pushPeopleType>` member encoded into
// group_msg_list, as described in spec.md's GLOSSARY.
type Triple struct {
	GID      uint64
	MID      uint64
	PushType model.PushPeopleType
}

func (t Triple) String() string {
	return fmt.Sprintf("%d_%d_%d", t.GID, t.MID, int(t.PushType))
}

// ParseTriple decodes a zset member back into its fields.
func ParseTriple(s string) (Triple, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 3 {
		return Triple{}, fmt.Errorf("offline: malformed triple %q", s)
	}
	gid, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Triple{}, fmt.Errorf("offline: malformed gid in %q: %w", s, err)
	}
	mid, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Triple{}, fmt.Errorf("offline: malformed mid in %q: %w", s, err)
	}
	pt, err := strconv.Atoi(parts[2])
	if err != nil {
		return Triple{}, fmt.Errorf("offline: malformed push type in %q: %w", s, err)
	}
	return Triple{GID: gid, MID: mid, PushType: model.PushPeopleType(pt)}, nil
}
