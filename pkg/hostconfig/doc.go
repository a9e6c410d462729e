/*
Package hostconfig applies host configuration by diffing file contents.

EnsureBlock keeps one marker-delimited block inside a file that other tools
also edit, and EnsureFile writes a file atomically only when its contents
differ. The configurators build on both:

  - Containerd keeps the proxy environment, the hosts.toml of each custom
    registry and the registry credentials of the containerd template
  - Certs adds extra SANs to the kube-apiserver certificate template and
    can switch off automatic certificate reissue
  - DNS points the kubelet at a cluster DNS address and keeps the CoreDNS
    Corefile

A service is restarted only when the file it reads changed, so repeated
config-changed events cost nothing. Restarts and kubectl calls run through
a retry.Executor.
*/
package hostconfig
