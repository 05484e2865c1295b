package main

import (
	"context"
	"testing"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"dev-1", "dev-2"}, splitList(" dev-1, ,dev-2,"))
	assert.Nil(t, splitList(""))
}

func TestHandleWrite(t *testing.T) {
	p := &writeParams{Operation: 2, Value: "MjEuNQ=="}
	p.URI.DeviceID = "dev-1"
	res, err := handleWrite(context.Background(), nil, p)
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
}

func TestHandleWriteRejectsBadValue(t *testing.T) {
	_, err := handleWrite(context.Background(), nil, &writeParams{Value: "%%"})
	var rpcErr *json2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, json2.E_BAD_PARAMS, rpcErr.Code)
}
