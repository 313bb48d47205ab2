package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/qsweep/pkg/job"
	"github.com/3leaps/qsweep/pkg/sweep"
)

func tractSpec() Spec {
	return Spec{
		Name:       "tract",
		Image:      "/imaging/containers/ukftractography.img",
		Executable: "ukftractography --numTensor 2",
		Inputs:     map[string]string{"dwi": "{param.scan}", "mask": "{param.mask}"},
		Outputs:    map[string]string{"tracts": "2tensor_{tag}.vtk"},
		Args: []Arg{
			{Flag: "--tracts", Value: "{out.tracts}"},
			{Flag: "--dwiFile", Value: "{in.dwi}"},
			{Flag: "--maskFile", Value: "{in.mask}"},
			{Flag: "--minFA", Value: "{value}"},
		},
		Required: []string{"scan", "mask"},
		Setup:    []string{"module load PYTHON/2.7.13"},
	}
}

func clusterSpec() Spec {
	return Spec{
		Name:       "cluster",
		Image:      "/imaging/containers/whitematteranalysis.img",
		Executable: "wm_cluster_from_atlas.py",
		InputRoot:  RootOutput,
		Inputs:     map[string]string{"tracts": "2tensor_{tag}.vtk"},
		Outputs:    map[string]string{"clusters": "clusters_{tag}"},
		Args: []Arg{
			{Value: "{in.tracts}"},
			{Value: "{out.clusters}"},
		},
	}
}

var (
	point17 = sweep.Point{Index: 2, Value: 0.17, Tag: "17"}
	params  = map[string]string{"scan": "scan.nrrd", "mask": "mask.nrrd"}
)

func TestBuild_Tract(t *testing.T) {
	got, err := NewBuilder().Build(tractSpec(), point17, params)
	require.NoError(t, err)

	want := "module load PYTHON/2.7.13\n" +
		"singularity run \\\n" +
		"    -B \"${QSWEEP_ROOT_INPUT}\":/input \\\n" +
		"    -B \"${QSWEEP_ROOT_OUTPUT}\":/output \\\n" +
		"    \"${QSWEEP_IMAGE_TRACT}\" \\\n" +
		"    ukftractography --numTensor 2 --tracts /output/2tensor_17.vtk --dwiFile /input/scan.nrrd --maskFile /input/mask.nrrd --minFA 0.17"
	assert.Equal(t, want, got)
	assert.NotContains(t, got, "/imaging")
}

func TestBuildAll_ChainsStagesInOrder(t *testing.T) {
	cmds, err := NewBuilder().BuildAll([]Spec{tractSpec(), clusterSpec()}, point17, params)
	require.NoError(t, err)
	require.Len(t, cmds, 2)

	assert.Contains(t, cmds[0], "--tracts /output/2tensor_17.vtk")
	assert.Equal(t, "singularity run \\\n"+
		"    -B \"${QSWEEP_ROOT_OUTPUT}\":/output \\\n"+
		"    \"${QSWEEP_IMAGE_CLUSTER}\" \\\n"+
		"    wm_cluster_from_atlas.py /output/2tensor_17.vtk /output/clusters_17", cmds[1])
}

func TestBuild_Deterministic(t *testing.T) {
	b := NewBuilder()
	first, err := b.Build(tractSpec(), point17, params)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := b.Build(tractSpec(), point17, params)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestBuild_MissingRequiredParam(t *testing.T) {
	_, err := NewBuilder().Build(tractSpec(), point17, map[string]string{"scan": "scan.nrrd"})

	var mf *job.MissingFieldError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, "tract", mf.Scope)
	assert.Equal(t, "param.mask", mf.Field)
}

func TestBuild_MissingSpecFields(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*Spec)
		field string
	}{
		{"name", func(s *Spec) { s.Name = "" }, "name"},
		{"image", func(s *Spec) { s.Image = "" }, "image"},
		{"executable", func(s *Spec) { s.Executable = " " }, "executable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tractSpec()
			tt.mut(&s)
			_, err := NewBuilder().Build(s, point17, params)
			var mf *job.MissingFieldError
			require.ErrorAs(t, err, &mf)
			assert.Equal(t, tt.field, mf.Field)
		})
	}
}

func TestBuild_SubstitutionErrors(t *testing.T) {
	tests := []struct {
		name        string
		mut         func(*Spec)
		placeholder string
	}{
		{"unknown placeholder", func(s *Spec) { s.Executable = "run {bogus}" }, "bogus"},
		{"undeclared input", func(s *Spec) { s.Args = append(s.Args, Arg{Flag: "--x", Value: "{in.nope}"}) }, "in.nope"},
		{"param without value", func(s *Spec) { s.Args = append(s.Args, Arg{Flag: "--seed", Value: "{param.seed}"}) }, "param.seed"},
		{"absolute input path", func(s *Spec) { s.Inputs["dwi"] = "/data/scan.nrrd" }, "in.dwi"},
		{"escaping output path", func(s *Spec) { s.Outputs["tracts"] = "../elsewhere/{tag}.vtk" }, "out.tracts"},
		{"paths cannot reference other paths", func(s *Spec) { s.Outputs["tracts"] = "{in.dwi}.vtk" }, "in.dwi"},
		{"unbound root", func(s *Spec) { s.Args = append(s.Args, Arg{Flag: "--atlas", Value: "{root.atlas}/a.vtk"}) }, "root.atlas"},
		{"empty root name", func(s *Spec) { s.Executable = "run {root.}" }, "root."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tractSpec()
			tt.mut(&s)
			_, err := NewBuilder().Build(s, point17, params)
			var tse *job.TemplateSubstitutionError
			require.ErrorAs(t, err, &tse)
			assert.Equal(t, tt.placeholder, tse.Placeholder)
			assert.Equal(t, "tract", tse.Stage)
		})
	}
}

func TestBuild_ParamPathsStayRelative(t *testing.T) {
	tests := []struct {
		name        string
		mask        string
		placeholder string
	}{
		{"host-absolute in arg", "/home/user/mask.nrrd", "param.mask"},
		{"escaping in arg", "../../etc/mask.nrrd", "param.mask"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tractSpec()
			s.Inputs = map[string]string{"dwi": "{param.scan}"}
			s.Args = []Arg{{Flag: "--mask", Value: "{param.mask}"}}
			_, err := NewBuilder().Build(s, point17, map[string]string{"scan": "scan.nrrd", "mask": tt.mask})
			var tse *job.TemplateSubstitutionError
			require.ErrorAs(t, err, &tse)
			assert.Equal(t, tt.placeholder, tse.Placeholder)
		})
	}

	_, err := NewBuilder().Build(tractSpec(), point17, map[string]string{"scan": "/data/scan.nrrd", "mask": "mask.nrrd"})
	var tse *job.TemplateSubstitutionError
	require.ErrorAs(t, err, &tse)
	assert.Equal(t, "param.scan", tse.Placeholder)
}

func TestBuild_BoundRoots(t *testing.T) {
	s := clusterSpec()
	s.Args = append(s.Args, Arg{Flag: "--work", Value: "{root.output}/tmp"})
	got, err := NewBuilder().Build(s, point17, nil)
	require.NoError(t, err)
	assert.Contains(t, got, "--work /output/tmp")
}

func TestBuild_PrecisionAndQuoting(t *testing.T) {
	s := Spec{
		Name:       "echo",
		Image:      "docker://alpine",
		Executable: "echo",
		Args: []Arg{
			{Flag: "--value", Value: "{value}"},
			{Flag: "--label", Value: "fa {tag}"},
			{Flag: "--verbose"},
		},
	}
	b := Builder{Runtime: Runtime{Binary: "apptainer", Verb: "exec"}, Precision: 3}
	got, err := b.Build(s, point17, nil)
	require.NoError(t, err)
	assert.Contains(t, got, "apptainer exec \\\n    -B ")
	assert.Contains(t, got, "echo --value 0.170 --label 'fa 17' --verbose")
}

func TestBuildAll_NoStages(t *testing.T) {
	_, err := NewBuilder().BuildAll(nil, point17, params)
	var mf *job.MissingFieldError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, "stages", mf.Field)
}

func TestEnvironment(t *testing.T) {
	roots := map[string]string{
		RootInput:  "/scratch/orig_data",
		RootOutput: "/scratch/fa_vals",
	}
	env, err := Environment([]Spec{tractSpec(), clusterSpec()}, roots)
	require.NoError(t, err)
	assert.Equal(t, []job.EnvVar{
		{Name: "QSWEEP_ROOT_INPUT", Value: "/scratch/orig_data"},
		{Name: "QSWEEP_ROOT_OUTPUT", Value: "/scratch/fa_vals"},
		{Name: "QSWEEP_IMAGE_TRACT", Value: "/imaging/containers/ukftractography.img"},
		{Name: "QSWEEP_IMAGE_CLUSTER", Value: "/imaging/containers/whitematteranalysis.img"},
	}, env)

	_, err = Environment([]Spec{tractSpec()}, map[string]string{RootInput: "/in"})
	var mf *job.MissingFieldError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, "root.output", mf.Field)

	dup := tractSpec()
	dup.Image = "/other.img"
	_, err = Environment([]Spec{tractSpec(), dup}, roots)
	assert.ErrorIs(t, err, job.ErrTemplateSubstitution)
}

func TestEnvNames(t *testing.T) {
	assert.Equal(t, "QSWEEP_ROOT_WORK_DIR", RootEnvName("work-dir"))
	assert.Equal(t, "QSWEEP_IMAGE_STAGE2", ImageEnvName("stage2"))
}
