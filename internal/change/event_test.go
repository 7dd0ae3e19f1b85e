package change

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvent_String(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{WillChange(), "will-change"},
		{DidChange(), "did-change"},
		{SectionInsert(0, "home"), `section insert 0 "home"`},
		{SectionDelete(2, ""), `section delete 2 ""`},
		{ObjectInsert("ToDo/1", Path{0, 0}), "object insert [0,0] ToDo/1"},
		{ObjectDelete("ToDo/1", Path{1, 3}), "object delete [1,3] ToDo/1"},
		{ObjectUpdate("ToDo/2", Path{0, 1}), "object update [0,1] ToDo/2"},
		{ObjectMove("ToDo/2", Path{0, 1}, Path{1, 0}), "object move [0,1]->[1,0] ToDo/2"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.String())
			assert.NoError(t, tt.event.Validate())
		})
	}
}

func TestEvent_ValidateRejectsMalformed(t *testing.T) {
	p := Path{0, 0}
	bad := []Event{
		{Kind: KindObject, Type: Insert},
		{Kind: KindObject, Type: Insert, OldPath: &p, NewPath: &p},
		{Kind: KindObject, Type: Delete, NewPath: &p},
		{Kind: KindObject, Type: Update},
		{Kind: KindObject, Type: Move, OldPath: &p},
		{Kind: KindObject},
		{Kind: KindSection, Type: Move},
		{Kind: KindSection, Type: Insert, Index: -1},
		{},
	}
	for i, e := range bad {
		assert.Error(t, e.Validate(), "event %d", i)
	}
}

func TestConstructorsCopyPaths(t *testing.T) {
	p := Path{Section: 1, Row: 2}
	e := ObjectInsert("ToDo/1", p)
	p.Row = 9
	assert.Equal(t, 2, e.NewPath.Row)
}
