package gateway

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type nullSink struct{ id string }

func (s nullSink) ID() string        { return s.id }
func (s nullSink) Send(_ Event) bool { return true }

func Test_Registry_Tracks_Membership_Per_Room(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()

	r.Register(nullSink{id: "a"})
	r.Register(nullSink{id: "b"})
	r.Join("a", "room1")
	r.Join("a", "room2")
	r.Join("b", "room1")

	req.Equal(2, r.MemberCount("room1"))
	req.Equal(1, r.MemberCount("room2"))
	req.Len(r.SinksForRoom("room1"), 2)

	r.Leave("a", "room1")
	req.Equal(1, r.MemberCount("room1"))
	req.True(r.InRoom("a", "room2"))
}

func Test_Registry_Drop_Leaves_Every_Room(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()

	r.Register(nullSink{id: "a"})
	r.Join("a", "room1")
	r.Join("a", "room2")

	rooms := r.Drop("a")
	req.ElementsMatch([]string{"room1", "room2"}, rooms)
	req.Zero(r.MemberCount("room1"))
	req.Zero(r.MemberCount("room2"))
	req.Nil(r.SinksForRoom("room1"))
}

func Test_Registry_Is_Safe_Under_Concurrent_Churn(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			r.Register(nullSink{id: id})
			r.Join(id, "room")
			_ = r.SinksForRoom("room")
			if i%2 == 0 {
				r.Drop(id)
			}
		}(i)
	}
	wg.Wait()

	req.Equal(25, r.MemberCount("room"))
}
