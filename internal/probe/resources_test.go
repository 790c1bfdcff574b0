package probe

import (
	"errors"
	"math"
	"testing"

	"github.com/org/lockr/pkg/models"
)

const meminfo = `MemTotal:       16000000 kB
MemFree:         1000000 kB
MemAvailable:    4000000 kB
Buffers:          200000 kB
`

const dfOutput = `Filesystem     1024-blocks     Used Available Capacity Mounted on
/dev/sda1         41152736 38000000   3152736      93% /
`

func TestParsers(t *testing.T) {
	load, err := parseLoadAvg("3.50 2.10 1.00 2/512 4242\n")
	if err != nil || load != 3.5 {
		t.Errorf("parseLoadAvg = %v, %v", load, err)
	}
	if _, err := parseLoadAvg(""); err == nil {
		t.Error("parseLoadAvg accepted empty output")
	}

	mem, err := parseMemInfo(meminfo)
	if err != nil || math.Abs(mem-75) > 1e-9 {
		t.Errorf("parseMemInfo = %v, %v", mem, err)
	}
	if _, err := parseMemInfo("MemTotal: 100 kB\n"); err == nil {
		t.Error("parseMemInfo accepted output without MemAvailable")
	}

	disk, err := parseDF(dfOutput)
	if err != nil || disk != 93 {
		t.Errorf("parseDF = %v, %v", disk, err)
	}
	if _, err := parseDF("garbage"); err == nil {
		t.Error("parseDF accepted garbage")
	}
}

func fakeRunner(outputs map[string]string) runner {
	return func(cmd string) (string, error) {
		out, ok := outputs[cmd]
		if !ok {
			return "", errors.New("command not found")
		}
		return out, nil
	}
}

func TestCollectReadings(t *testing.T) {
	th := DefaultConfig().Thresholds

	t.Run("healthy", func(t *testing.T) {
		readings := collectReadings(fakeRunner(map[string]string{
			cmdLoadAvg: "1.00 1.00 1.00 1/100 1",
			cmdNProc:   "4\n",
			cmdMemInfo: meminfo,
			cmdDisk:    "Filesystem 1024-blocks Used Available Capacity Mounted on\n/dev/sda1 100 40 60 40% /\n",
		}), th)
		if readings[0].Value != 0.25 {
			t.Errorf("load per cpu = %v, want 0.25", readings[0].Value)
		}
		out := resourcesOutcome(readings)
		if out.Status != models.StatusHealthy || out.Code != models.CodeOK {
			t.Errorf("outcome = %+v", out)
		}
	})

	t.Run("disk over threshold", func(t *testing.T) {
		readings := collectReadings(fakeRunner(map[string]string{
			cmdLoadAvg: "0.10 0.10 0.10 1/100 1",
			cmdNProc:   "2",
			cmdMemInfo: meminfo,
			cmdDisk:    dfOutput,
		}), th)
		out := resourcesOutcome(readings)
		if out.Status != models.StatusIssues || out.Code != models.CodeResourceIssue {
			t.Fatalf("outcome = %+v", out)
		}
		if len(out.Remediation) != 1 || out.Remediation[0] != readingRemediation[ReadingDisk] {
			t.Errorf("remediation = %v", out.Remediation)
		}
	})

	t.Run("each command independently fallible", func(t *testing.T) {
		readings := collectReadings(fakeRunner(map[string]string{
			cmdMemInfo: meminfo,
		}), th)
		if readings[0].Checked || readings[2].Checked {
			t.Errorf("load and disk should be unchecked: %+v", readings)
		}
		if !readings[1].Checked {
			t.Errorf("memory should be checked: %+v", readings[1])
		}
		if out := resourcesOutcome(readings); out.Status != models.StatusHealthy {
			t.Errorf("outcome = %+v", out)
		}
	})

	t.Run("nothing checked", func(t *testing.T) {
		out := resourcesOutcome(collectReadings(fakeRunner(nil), th))
		if out.Status != models.StatusUnknown || out.Code != models.CodeUnknown {
			t.Errorf("outcome = %+v", out)
		}
	})

	t.Run("missing nproc assumes one cpu", func(t *testing.T) {
		r := readLoad(fakeRunner(map[string]string{cmdLoadAvg: "3.00 1 1 1/1 1"}), 2)
		if !r.Checked || r.Value != 3 || !r.Exceeded {
			t.Errorf("reading = %+v", r)
		}
	})
}
