package server

import (
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleprobe/internal/config"
	"teleprobe/internal/dispatcher"
	"teleprobe/internal/elfinfo/elftest"
	"teleprobe/internal/probe"
	"teleprobe/internal/probe/probetest"
)

const testRTTAddr = 0x2000_1000

func writeControlBlock(core *probetest.FakeCore, rttAddr, bufAddr, bufSize uint32) {
	mem := core.Mem()
	id := []byte("SEGGER RTT\x00\x00\x00\x00\x00\x00")
	for i := 0; i < 4; i++ {
		mem.Write32(rttAddr+uint32(i*4), binary.LittleEndian.Uint32(id[i*4:i*4+4]))
	}
	mem.Write32(rttAddr+16, 1)
	mem.Write32(rttAddr+20, 0)
	desc := rttAddr + 24
	mem.Write32(desc+4, bufAddr)
	mem.Write32(desc+8, bufSize)
	mem.Write32(desc+12, 0)
	mem.Write32(desc+16, 0)
	mem.Write32(desc+20, 0)
}

func testELF() []byte {
	return elftest.Build(elftest.Options{
		VectorTableAddr: 0x2000_0000,
		InitialSP:       0x2002_0000,
		ResetHandler:    0x2000_0101,
		HardFaultAddr:   0x2000_0201,
		Symbols: []elftest.Symbol{
			{Name: "main", Value: 0x2000_0301},
			{Name: "_SEGGER_RTT", Value: testRTTAddr},
		},
	})
}

func testServer(t *testing.T) (*Server, *probetest.FakeLister) {
	t.Helper()
	serial := "serial-1"
	token := "s3cr3t"
	cfg := &config.Config{
		Targets: []config.Target{
			{Name: "my-board", Chip: "STM32F407VGTx", Probe: config.ProbeSelector{Serial: &serial}},
		},
		Auths:          []config.Auth{{Token: &config.TokenAuth{Token: token}}},
		DefaultTimeout: 10,
		MaxTimeout:     60,
	}
	lister := probetest.NewFakeLister(probe.ProbeInfo{VID: 1, PID: 2, Serial: serial})
	disp := dispatcher.New(cfg, lister, 1)
	return New(cfg, disp, lister, nil), lister
}

func TestHandleHomeRequiresNoAuth(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "my-board")
}

func TestHandleListTargetsRequiresAuth(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/targets", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleListTargetsWithValidToken(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/targets", nil)
	req.Header.Set("Authorization", "Bearer s3cr3t")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"up":true`)
}

func TestHandleRunUnknownTargetReturns404(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/targets/nonexistent/run", strings.NewReader("x"))
	req.Header.Set("Authorization", "Bearer s3cr3t")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRunSucceeds(t *testing.T) {
	s, lister := testServer(t)

	sess, err := lister.Open(probe.ProbeInfo{VID: 1, PID: 2, Serial: "serial-1"}, nil, "STM32F407VGTx", false)
	require.NoError(t, err)
	fakeSess := sess.(*probetest.FakeSession)
	core, err := fakeSess.Core(0)
	require.NoError(t, err)
	fakeCore := core.(*probetest.FakeCore)
	fakeCore.SetOnRun(func(c *probetest.FakeCore) {
		writeControlBlock(c, testRTTAddr, 0x2000_3000, 64)
		c.SetHalted(true)
	})

	req := httptest.NewRequest(http.MethodPost, "/targets/my-board/run", strings.NewReader(string(testELF())))
	req.Header.Set("Authorization", "Bearer s3cr3t")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
