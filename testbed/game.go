package testbed

import (
	"encoding/binary"
	"math"

	"github.com/spaghettifunk/lumen/engine"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

type TestGame struct {
	*engine.Game
}

type gameState struct {
	width  uint32
	height uint32

	instances    []metadata.AccelInstance
	meshesLoaded bool
	spin         float64
}

// instanceData packs the instance transforms for the forward pass's storage
// buffer, one 64-byte transform per instance.
func (s *gameState) instanceData() []byte {
	data := make([]byte, 0, len(s.instances)*64)
	for _, inst := range s.instances {
		var row [64]byte
		for i, f := range inst.Transform {
			binary.LittleEndian.PutUint32(row[i*4:], math.Float32bits(f))
		}
		data = append(data, row[:]...)
	}
	return data
}

func NewTestGame() (*TestGame, error) {
	config, err := engine.LoadApplicationConfig("lumen.toml")
	if err != nil {
		return nil, err
	}
	config.Name = "Lumen Testbed"

	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: config,
			State: &gameState{
				width:  config.StartWidth,
				height: config.StartHeight,
			},
		},
	}

	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnOnResize = tg.OnResize
	tg.FnShutdown = tg.Shutdown

	return tg, nil
}

func (g *TestGame) Initialize() error {
	core.LogInfo("initializing testbed...")

	state := g.State.(*gameState)
	graph := g.SystemManager.RenderGraph

	if err := graph.AddPass(NewShadowPass(g.SystemManager)); err != nil {
		return err
	}
	if err := graph.AddPass(NewForwardPass(g.SystemManager, state)); err != nil {
		return err
	}
	return graph.AddPass(NewRayQueryPass(g.SystemManager))
}

func (g *TestGame) Update(fc *metadata.FrameContext) error {
	state := g.State.(*gameState)

	snapshot := &metadata.SceneSnapshot{}
	if !state.meshesLoaded {
		if err := g.loadMeshes(state); err != nil {
			return err
		}
		state.meshesLoaded = true
		snapshot.GeometryChanged = true
	}

	// Spin the cube so transforms change every frame. The top-level structure
	// only rebuilds when the scene is marked changed, which we do once a
	// second rather than per frame.
	state.spin += fc.DeltaTime
	if state.spin >= 1.0 {
		state.spin -= 1.0
		angle := state.spin * 2 * math.Pi
		state.instances[0].Transform = rotationY(float32(angle))
		snapshot.TransformsChanged = true
	}

	snapshot.Geometries = g.SystemManager.GeometrySystem.Geometries()
	snapshot.Instances = state.instances
	g.SystemManager.Accel.Update(snapshot, fc)
	return nil
}

// loadMeshes uploads a ground plane and a cube. Real assets would stream in
// through a loader; two hardcoded meshes are enough to exercise every build
// and bind path.
func (g *TestGame) loadMeshes(state *gameState) error {
	gs := g.SystemManager.GeometrySystem

	if _, err := gs.Upload("plane", planeVertices(), 32, planeIndices()); err != nil {
		return err
	}
	if _, err := gs.Upload("cube", cubeVertices(), 32, cubeIndices()); err != nil {
		return err
	}

	state.instances = []metadata.AccelInstance{
		{GeometryID: "cube", Transform: identity(), MaterialIndex: 0, Visible: true},
		{GeometryID: "plane", Transform: identity(), MaterialIndex: 1, Visible: true},
	}
	return nil
}

func (g *TestGame) OnResize(width uint32, height uint32) error {
	state := g.State.(*gameState)
	state.width = width
	state.height = height
	return nil
}

func (g *TestGame) Shutdown() error {
	core.LogInfo("shutting down testbed...")
	return nil
}

func identity() [16]float32 {
	return [16]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

func rotationY(angle float32) [16]float32 {
	c := float32(math.Cos(float64(angle)))
	s := float32(math.Sin(float64(angle)))
	return [16]float32{
		c, 0, s, 0,
		0, 1, 0, 0,
		-s, 0, c, 0,
		0, 0, 0, 1,
	}
}

// Vertex layout: position (3), normal (3), uv (2), 32 bytes per vertex.
func packVertices(values []float32) []byte {
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return data
}

func packIndices(indices []uint32) []byte {
	data := make([]byte, len(indices)*4)
	for i, idx := range indices {
		binary.LittleEndian.PutUint32(data[i*4:], idx)
	}
	return data
}

func planeVertices() []byte {
	return packVertices([]float32{
		-10, 0, -10, 0, 1, 0, 0, 0,
		10, 0, -10, 0, 1, 0, 1, 0,
		10, 0, 10, 0, 1, 0, 1, 1,
		-10, 0, 10, 0, 1, 0, 0, 1,
	})
}

func planeIndices() []byte {
	return packIndices([]uint32{0, 1, 2, 2, 3, 0})
}

func cubeVertices() []byte {
	return packVertices([]float32{
		-1, -1, -1, 0, 0, -1, 0, 0,
		1, -1, -1, 0, 0, -1, 1, 0,
		1, 1, -1, 0, 0, -1, 1, 1,
		-1, 1, -1, 0, 0, -1, 0, 1,
		-1, -1, 1, 0, 0, 1, 0, 0,
		1, -1, 1, 0, 0, 1, 1, 0,
		1, 1, 1, 0, 0, 1, 1, 1,
		-1, 1, 1, 0, 0, 1, 0, 1,
	})
}

func cubeIndices() []byte {
	return packIndices([]uint32{
		0, 1, 2, 2, 3, 0,
		4, 6, 5, 6, 4, 7,
		0, 3, 7, 7, 4, 0,
		1, 5, 6, 6, 2, 1,
		3, 2, 6, 6, 7, 3,
		0, 4, 5, 5, 1, 0,
	})
}
