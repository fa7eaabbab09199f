package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/store"
)

func TestBuildMatchersBoundaries(t *testing.T) {
	tracked := []*store.TrackedEntity{
		{EntityID: "e-putin", NameLower: "vladimir putin"},
		{EntityID: "e-dotnet", NameLower: ".net"},
		{EntityID: "e-cpp", NameLower: "c++"},
		{EntityID: "e-moscow", NameLower: "москва"},
		{EntityID: "e-empty", NameLower: ""},
	}
	matchers := buildMatchers(tracked)
	require.Len(t, matchers, 4, "empty names get no matcher")

	assert.Len(t, matchers["e-putin"].FindAllString(
		"Vladimir Putin spoke; vladimir putinist rhetoric followed.", -1), 1,
		"word boundary blocks partial-word matches")

	// Names whose edges are not ASCII word characters drop the \b
	// assertion on that edge and still match.
	assert.True(t, matchers["e-dotnet"].MatchString("migrating the service to .NET 8"))
	assert.True(t, matchers["e-cpp"].MatchString("rewritten from C++ last year"))
	assert.True(t, matchers["e-moscow"].MatchString("переговоры прошли в Москва сегодня"))
}
