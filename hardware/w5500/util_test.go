package w5500

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/watertank/tanknode/helpers"
	"github.com/watertank/tanknode/log2"
)

// Helpers for testing w5500 package

type tenv struct {
	t         testing.TB
	rand      *rand.Rand
	log       *log2.Log
	config    Config
	sim       *chipSim
	keepAlive uint32
}

func testEnv(t testing.TB) *tenv {
	env := &tenv{
		t:    t,
		rand: helpers.RandUnix(),
		log:  log2.NewTest(t, log2.LDebug),
		sim:  newChipSim(t),
	}
	env.config = Config{
		SpiBus: testDevice,
		Timing: Timing{
			OpenTries: 5, ConnectTries: 5, ListenTries: 5, SendTries: 5,
			RecvIntervalMs: 1,
		},
		testhw: &hardware{spiTx: env.sim.Tx, sleep: func(time.Duration) {}},
	}
	return env
}

func (env *tenv) feed() { atomic.AddUint32(&env.keepAlive, 1) }

func (env *tenv) fed() uint32 { return atomic.LoadUint32(&env.keepAlive) }

func (env *tenv) driver() *Driver {
	d, err := Open(&env.config, env.log, env.feed)
	require.NoError(env.t, err)
	return d
}

type spiTxCall struct {
	s []byte
	r []byte
	e error
}
type spiMock struct {
	assert  *assert.Assertions
	t       testing.TB
	mu      sync.Mutex
	expects []spiTxCall
	index   int
}

func newSpiMock(t testing.TB) *spiMock {
	return &spiMock{
		expects: make([]spiTxCall, 0, 16),
		t:       t,
		assert:  assert.New(t),
	}
}

func (m *spiMock) Tx(send, recv []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index >= len(m.expects) {
		msg := "premature end of spiMock.expects"
		m.t.Error(msg)
		panic(msg)
	}
	call := m.expects[m.index]
	m.assert.Equal(call.s, send)
	copy(recv, call.r)
	m.index++
	return call.e
}

func (m *spiMock) PushOk(sendHex, recvHex string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expects = append(m.expects, spiTxCall{s: helpers.MustHex(sendHex), r: helpers.MustHex(recvHex)})
}

func (m *spiMock) PushError(sendHex string, e error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := helpers.MustHex(sendHex)
	m.expects = append(m.expects, spiTxCall{s: s, r: make([]byte, len(s)), e: e})
}

func (m *spiMock) ExpectDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assert.Equal(len(m.expects), m.index, "spiMock unused expects")
}
