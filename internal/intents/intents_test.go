package intents

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeEffects struct {
	mode        string
	added       []string
	deleted     []string
	searchQuery string
	failMode    bool
}

func (f *fakeEffects) SetMode(name string) error {
	if f.failMode {
		return errors.New("boom")
	}
	f.mode = name
	return nil
}
func (f *fakeEffects) AddMemory(text string, keywords []string, category string) error {
	f.added = append(f.added, text)
	return nil
}
func (f *fakeEffects) DeleteMemory(id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}
func (f *fakeEffects) SearchMemory(query string) (string, error) {
	f.searchQuery = query
	return "", nil
}

func TestScanAppliesModeDirectiveAndStripsIt(t *testing.T) {
	eff := &fakeEffects{}
	out := Scan("switching now mode('work') ok", Flags{Mode: true}, eff)
	require.Equal(t, "work", eff.mode)
	require.NotContains(t, out, "mode(")
	require.Contains(t, out, "switching now")
}

func TestScanIgnoresMemoryDirectivesWhenFlagOff(t *testing.T) {
	eff := &fakeEffects{}
	out := Scan("memory_add('fact', ['a','b'], 'Career')", Flags{Memory: false}, eff)
	require.Empty(t, eff.added)
	require.NotContains(t, out, "memory_add(")
}

func TestScanMemoryAddParsesKeywordsAndCategory(t *testing.T) {
	eff := &fakeEffects{}
	Scan("memory_add('likes tea', ['tea','drink'], 'Personal')", Flags{Memory: true}, eff)
	require.Equal(t, []string{"likes tea"}, eff.added)
}

func TestScanUnknownDirectiveLeftUntouched(t *testing.T) {
	eff := &fakeEffects{}
	out := Scan("call foo('bar') please", Flags{Mode: true, Memory: true}, eff)
	require.Equal(t, "call foo('bar') please", out)
}

func TestScanDoesNotPanicOnFailingEffect(t *testing.T) {
	eff := &fakeEffects{failMode: true}
	require.NotPanics(t, func() {
		Scan("mode('nsfw')", Flags{Mode: true}, eff)
	})
}
