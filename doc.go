/*Package clusterize computes the output of a large N-dimensional array
computation blockwise on a cluster.

The output dataset is partitioned into rectangular blocks, one remote task
is dispatched per block, and every task publishes its block to a shared
blockwise fileset. The fileset records, per block, whether it is available;
that record is the only channel between the master and its workers. A run
that times out or is interrupted can be repeated over the same fileset and
only the blocks that are still missing are computed again.

The same program acts as the master and as the worker. Embed a Source in
a Driver and call Main:

	driver := clusterize.NewDriver(source,
		clusterize.WithConfigFile("cluster.yaml"),
		clusterize.WithOutputDescription("s3://bucket/result/result.json"),
	)
	driver.Main()

Tasks are launched through a shell command template (for example a batch
scheduler submission, optionally over ssh) or as asynchronous AWS Lambda
invocations.
*/
package clusterize
