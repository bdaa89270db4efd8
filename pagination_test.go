package adsbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = "https://graph.facebook.com/v22.0"

func TestNormalizePage_CursorOnly(t *testing.T) {
	raw := `{"data":[{"id":"1"},{"id":"2"}],"paging":{"cursors":{"before":"B","after":"X"}}}`
	page, err := NormalizePage([]byte(raw), testBase)
	require.NoError(t, err)

	assert.Len(t, page.Data, 2)
	assert.Equal(t, "X", page.After)
	assert.Equal(t, "B", page.Before)
	assert.True(t, page.HasNextPage)
	assert.True(t, page.HasPreviousPage)
	assert.Empty(t, page.NextPath)
}

func TestNormalizePage_NoPaging(t *testing.T) {
	page, err := NormalizePage([]byte(`{"data":[{"id":"1"}]}`), testBase)
	require.NoError(t, err)
	assert.False(t, page.HasNextPage)
	assert.False(t, page.HasPreviousPage)
	assert.Len(t, page.Data, 1)
}

func TestNormalizePage_EmptyDataWithPaging(t *testing.T) {
	// record count never drives the flags
	raw := `{"data":[],"paging":{"cursors":{"after":"Z"}}}`
	page, err := NormalizePage([]byte(raw), testBase)
	require.NoError(t, err)
	assert.True(t, page.HasNextPage)
	assert.False(t, page.HasPreviousPage)
}

func TestNormalizePage_NextURLOnly(t *testing.T) {
	raw := `{"data":[{"id":"1"}],"paging":{
		"next":"https://graph.facebook.com/v22.0/act_42/campaigns?access_token=SECRET&fields=id%2Cname&limit=25&after=QVFI",
		"previous":"https://graph.facebook.com/v22.0/act_42/campaigns?access_token=SECRET&limit=25&before=QVFA&appsecret_proof=p"}}`
	page, err := NormalizePage([]byte(raw), testBase)
	require.NoError(t, err)

	assert.Equal(t, "act_42/campaigns?after=QVFI&fields=id%2Cname&limit=25", page.NextPath)
	assert.Equal(t, "act_42/campaigns?before=QVFA&limit=25", page.PreviousPath)
	assert.Equal(t, "QVFI", page.After)
	assert.Equal(t, "QVFA", page.Before)
	assert.True(t, page.HasNextPage)
	assert.True(t, page.HasPreviousPage)
	assert.NotContains(t, page.NextPath, "SECRET")
}

func TestNormalizePage_OffsetStyleNext(t *testing.T) {
	raw := `{"data":[],"paging":{"next":"https://graph.facebook.com/v22.0/act_1/insights?offset=50&limit=50"}}`
	page, err := NormalizePage([]byte(raw), testBase)
	require.NoError(t, err)
	assert.Equal(t, "act_1/insights?limit=50&offset=50", page.NextPath)
	assert.Empty(t, page.After)
	assert.True(t, page.HasNextPage)
}

func TestNormalizePage_InvalidJSON(t *testing.T) {
	_, err := NormalizePage([]byte(`{"data":`), testBase)
	assert.Error(t, err)
}

func TestIsListEnvelope(t *testing.T) {
	assert.True(t, IsListEnvelope([]byte(`{"data":[]}`)))
	assert.True(t, IsListEnvelope([]byte(` {"data":[{"id":"1"}],"paging":{}}`)))
	assert.False(t, IsListEnvelope([]byte(`{"id":"act_1","name":"x"}`)))
	assert.False(t, IsListEnvelope([]byte(`{"data":{"is_valid":true}}`)))
	assert.False(t, IsListEnvelope([]byte(`[1,2]`)))
	assert.False(t, IsListEnvelope(nil))
}
