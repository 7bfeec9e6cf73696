package permissions

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/beamline/qserver/pkg/log"
	"github.com/beamline/qserver/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

const testPermissions = `
plans:
  count:
    description: Read detectors a number of times
    parameters:
      type: object
      properties:
        num:
          type: integer
          minimum: 1
        delay:
          type: number
      additionalProperties: false
  scan:
    description: Step scan over one motor
  tune:
    description: Beamline tuning
devices:
  det1:
    description: Detector 1
  det2:
    description: Detector 2
  motor1:
    description: Sample motor
user_groups:
  admin:
    allowed_plans:
      - ".*"
    allowed_devices:
      - ".*"
  restricted:
    allowed_plans:
      - "^count$"
      - "^scan$"
    forbidden_plans:
      - "^scan$"
    allowed_devices:
      - "^det"
`

func writePermissions(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "permissions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func loadRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Load(writePermissions(t, testPermissions))
	require.NoError(t, err)
	return r
}

func TestPlansAllowed(t *testing.T) {
	r := loadRegistry(t)

	plans, uid, err := r.PlansAllowed("admin")
	require.NoError(t, err)
	assert.NotEmpty(t, uid)
	assert.Len(t, plans, 3)

	plans, _, err = r.PlansAllowed("restricted")
	require.NoError(t, err)
	assert.Len(t, plans, 1, "forbidden list overrides allowed list")
	assert.Contains(t, plans, "count")

	_, _, err = r.PlansAllowed("nosuchgroup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown user group: 'nosuchgroup'")
}

func TestDevicesAllowed(t *testing.T) {
	r := loadRegistry(t)

	devices, uid, err := r.DevicesAllowed("restricted")
	require.NoError(t, err)
	assert.NotEmpty(t, uid)
	assert.Len(t, devices, 2)
	assert.Contains(t, devices, "det1")
	assert.Contains(t, devices, "det2")
}

func TestValidateItem(t *testing.T) {
	r := loadRegistry(t)

	item := func(name, user, group string, kwargs map[string]interface{}) types.Item {
		return types.Item{
			ItemType:  types.ItemTypePlan,
			Name:      name,
			Kwargs:    kwargs,
			User:      user,
			UserGroup: group,
		}
	}

	cases := []struct {
		name string
		item types.Item
		msg  string
	}{
		{"valid plan", item("count", "user", "admin", map[string]interface{}{"num": 5}), ""},
		{"valid plan without schema", item("scan", "user", "admin", nil), ""},
		{"no user", item("count", "", "admin", nil), "user name is not specified"},
		{"no group", item("count", "user", "", nil), "user group is not specified"},
		{"unknown group", item("count", "user", "ghosts", nil), "Unknown user group: 'ghosts'"},
		{"unknown plan", item("nosuchplan", "user", "admin", nil), "is not in the list of allowed plans"},
		{"forbidden plan", item("scan", "user", "restricted", nil), "is not in the list of allowed plans"},
		{"schema violation", item("count", "user", "admin", map[string]interface{}{"num": 0}), "Plan validation failed"},
		{"unexpected kwarg", item("count", "user", "admin", map[string]interface{}{"bogus": true}), "Plan validation failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.ValidateItem(tc.item)
			if tc.msg == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.msg)
			}
		})
	}
}

func TestValidateItem_Instruction(t *testing.T) {
	r := loadRegistry(t)

	instr := types.Item{
		ItemType:  types.ItemTypeInstruction,
		Name:      types.InstructionQueueStop,
		User:      "user",
		UserGroup: "admin",
	}
	assert.NoError(t, r.ValidateItem(instr))

	instr.Name = "self_destruct"
	err := r.ValidateItem(instr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unsupported instruction")
}

func TestReload(t *testing.T) {
	path := writePermissions(t, testPermissions)
	r, err := Load(path)
	require.NoError(t, err)

	uid := r.PlansAllowedUID()

	updated := testPermissions + `
  observers:
    allowed_plans:
      - "^count$"
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.NoError(t, r.Reload())

	assert.NotEqual(t, uid, r.PlansAllowedUID(), "reload bumps the revision tag")
	plans, _, err := r.PlansAllowed("observers")
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestReload_KeepsPreviousOnError(t *testing.T) {
	path := writePermissions(t, testPermissions)
	r, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(":\tnot yaml"), 0o644))
	require.Error(t, r.Reload())

	// Previous lists are still served
	plans, _, err := r.PlansAllowed("admin")
	require.NoError(t, err)
	assert.Len(t, plans, 3)
}
