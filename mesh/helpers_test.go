package mesh

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/driftmesh/cpd"
	"github.com/kwv/driftmesh/pointcloud"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
func stringPtr(v string) *string  { return &v }

// unitCube returns the eight corners of the unit cube.
func unitCube() *pointcloud.Cloud {
	var pts []r3.Vec
	for _, x := range []float64{0, 1} {
		for _, y := range []float64{0, 1} {
			for _, z := range []float64{0, 1} {
				pts = append(pts, r3.Vec{X: x, Y: y, Z: z})
			}
		}
	}
	return pointcloud.New(pts)
}

// scaledCube returns 2·cube + (1,1,1).
func scaledCube() *pointcloud.Cloud {
	c := unitCube()
	for i, p := range c.Points {
		c.Points[i] = r3.Add(r3.Scale(2, p), r3.Vec{X: 1, Y: 1, Z: 1})
	}
	return c
}

func cubeSettings(id string) JobSettings {
	return JobSettings{
		ID:            id,
		Kind:          cpd.KindRigid,
		MaxIterations: 100,
		Tolerance:     1e-6,
		Beta:          cpd.DefaultBeta,
		Lambda:        cpd.DefaultLambda,
		Workers:       2,
	}
}

// cubeResult runs the cube scenario through RunJob.
func cubeResult(t *testing.T, id string) *JobResult {
	t.Helper()
	r, err := RunJob(context.Background(), cubeSettings(id), unitCube(), scaledCube())
	if err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	return r
}

func validConfigYAML() string {
	return `mqtt:
  broker: tcp://localhost:1883
  publishPrefix: driftmesh
  clientId: driftmesh-test
registration:
  maxIterations: 50
  tolerance: 0.001
jobs:
  - id: scan-a
    method: rigid
    sourceTopic: scans/a/source
    targetTopic: scans/a/target
    color: "#FF0000"
  - id: scan-b
    method: nonrigid
    sourceTopic: scans/b/source
    targetUrl: http://example.invalid/b.xyz
    beta: 2
    lambda: 3
`
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

func cubeConfig() *Config {
	return &Config{
		Registration: RegistrationConfig{MaxIterations: 100, Tolerance: 1e-6, Workers: 2},
		Jobs: []JobConfig{
			{ID: "cube", Method: "rigid", SourceTopic: "cube/source", TargetTopic: "cube/target"},
		},
	}
}
