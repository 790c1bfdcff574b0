package probe

import "github.com/org/lockr/pkg/models"

type stageStatus struct {
	stage, status string
}

var remediation = map[stageStatus][]string{
	{models.StageReachability, models.StatusOffline}: {
		"Confirm the host is powered on and its network interface is up.",
		"Check routing and firewall rules between this prober and the host.",
		"Confirm the address in the inventory is current.",
	},
	{models.StageReachability, models.StatusError}: {
		"The address could not be probed; check that it resolves (DNS) and is well formed.",
		"Check the prober's own network connectivity.",
	},
	{models.StagePort, models.StatusClosed}: {
		"Check that sshd is running on the host (`systemctl status sshd`).",
		"Check server connectivity and firewall settings for the SSH port.",
	},
	{models.StagePort, models.StatusError}: {
		"The SSH port could not be probed; check the prober's network configuration.",
	},
	{models.StageAuthentication, models.StatusAuthFailed}: {
		"The server does not accept the offered key. Add the public key to ~/.ssh/authorized_keys for the probe user.",
		"Check that the probe user exists on the host and is allowed to log in (AllowUsers, shell).",
	},
	{models.StageAuthentication, models.StatusNoCredential}: {
		"No SSH key was available. Set prober.key_path or load a key into ssh-agent.",
		"If the key is passphrase protected, add it to ssh-agent with `ssh-add`.",
	},
	{models.StageAuthentication, models.StatusTransportError}: {
		"The SSH handshake failed before authentication; check that the service on the port speaks SSH.",
		"Check server load and network stability, then retry.",
	},
	{models.StageResources, models.StatusUnknown}: {
		"Resource commands failed; check that /proc is mounted and `df` and `nproc` are on the probe user's PATH.",
	},
}

var readingRemediation = map[string]string{
	ReadingLoad:   "Load is above threshold; inspect running processes with `top` and consider adding capacity.",
	ReadingMemory: "Memory use is above threshold; look for leaking or oversized processes and check swap activity.",
	ReadingDisk:   "The root filesystem is nearly full; remove old logs or packages and check `du -xh / | sort -h`.",
}

func remediationFor(stage, status string) []string {
	r := remediation[stageStatus{stage, status}]
	if r == nil {
		return nil
	}
	return append([]string(nil), r...)
}
